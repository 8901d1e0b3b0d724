package compile

// The generation backend consumes a ComfyUI-style prompt graph: a map of node
// id to typed node, where node inputs either carry literal values or reference
// another node's output as ["<node id>", <output index>]. The topology below is
// backend-mandated and constant; only leaf input fields are substituted per
// call. Node ids are stable so two compilations of the same scene are
// byte-identical when encoded.

// Node ids shared by both workflow kinds.
const (
	nodeCheckpoint = "1"
	nodePositive   = "2"
	nodeNegative   = "3"
	nodeLatent     = "4"
	nodeSampler    = "5"
	nodeDecode     = "6"
	nodeSave       = "7"
)

// WorkflowKind selects the topology template: a single keyframe image or a
// multi-frame scene clip.
type WorkflowKind string

const (
	WorkflowKeyframe WorkflowKind = "keyframe"
	WorkflowVideo    WorkflowKind = "video"
)

// Node is one typed node in the prompt graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is the full prompt graph keyed by node id.
type Graph map[string]Node

// ref builds a connection to another node's output slot.
func ref(nodeID string, slot int) []any {
	return []any{nodeID, slot}
}

// params are the leaf values substituted into a topology template.
type params struct {
	checkpoint string
	positive   string
	negative   string
	width      int
	height     int
	steps      int
	cfg        float64
	sampler    string
	scheduler  string
	seed       int64
	frames     int
	fps        int
	filePrefix string
}

// keyframeGraph builds the single-image synthesis topology:
// checkpoint -> encode[pos] -> encode[neg] -> empty latent -> sampler -> decode -> save.
func keyframeGraph(p params) Graph {
	g := baseGraph(p)
	g[nodeLatent] = Node{
		ClassType: "EmptyLatentImage",
		Inputs: map[string]any{
			"width":      p.width,
			"height":     p.height,
			"batch_size": 1,
		},
	}
	g[nodeSave] = Node{
		ClassType: "SaveImage",
		Inputs: map[string]any{
			"images":          ref(nodeDecode, 0),
			"filename_prefix": p.filePrefix,
		},
	}
	return g
}

// videoGraph builds the multi-frame synthesis topology. Identical wiring to
// the keyframe graph except the latent init carries a frame count and the
// save node emits an animation at the scene's frame rate.
func videoGraph(p params) Graph {
	g := baseGraph(p)
	g[nodeLatent] = Node{
		ClassType: "EmptyLatentVideo",
		Inputs: map[string]any{
			"width":      p.width,
			"height":     p.height,
			"length":     p.frames,
			"batch_size": 1,
		},
	}
	g[nodeSave] = Node{
		ClassType: "SaveAnimatedWEBP",
		Inputs: map[string]any{
			"images":          ref(nodeDecode, 0),
			"filename_prefix": p.filePrefix,
			"fps":             p.fps,
			"lossless":        false,
			"quality":         90,
			"method":          "default",
		},
	}
	return g
}

// baseGraph wires the nodes common to both kinds; the caller fills in the
// latent init and save nodes.
func baseGraph(p params) Graph {
	return Graph{
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Inputs: map[string]any{
				"ckpt_name": p.checkpoint,
			},
		},
		nodePositive: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.positive,
				"clip": ref(nodeCheckpoint, 1),
			},
		},
		nodeNegative: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.negative,
				"clip": ref(nodeCheckpoint, 1),
			},
		},
		nodeSampler: {
			ClassType: "KSampler",
			Inputs: map[string]any{
				"model":        ref(nodeCheckpoint, 0),
				"positive":     ref(nodePositive, 0),
				"negative":     ref(nodeNegative, 0),
				"latent_image": ref(nodeLatent, 0),
				"seed":         p.seed,
				"steps":        p.steps,
				"cfg":          p.cfg,
				"sampler_name": p.sampler,
				"scheduler":    p.scheduler,
				"denoise":      1.0,
			},
		},
		nodeDecode: {
			ClassType: "VAEDecode",
			Inputs: map[string]any{
				"samples": ref(nodeSampler, 0),
				"vae":     ref(nodeCheckpoint, 2),
			},
		},
	}
}
