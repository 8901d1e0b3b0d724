// Package compile converts abstract scene descriptions into the parameterized
// prompt graphs the generation backend executes. Compilation is pure and
// deterministic: identical (scene, kind, attempt) inputs always produce
// byte-identical encoded requests, which makes retries reproducible and the
// compiler trivially testable.
package compile

import (
	"encoding/json"
	"fmt"

	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/rs/zerolog/log"
)

// Technical parameter defaults, applied for any field the segmentation stage
// left unset. Portrait 9:16 framing for short-form output.
const (
	DefaultCheckpoint = "sd_xl_base_1.0.safetensors"
	DefaultWidth      = 768
	DefaultHeight     = 1344
	DefaultSteps      = 30
	DefaultCFGScale   = 7.0
	DefaultSampler    = "dpmpp_2m"
	DefaultScheduler  = "karras"
	DefaultFPS        = 16
	DefaultFrameCount = 48
)

// qualitySuffix is appended to every positive prompt, after the scene's own
// prompt and style clauses.
const qualitySuffix = "masterpiece, best quality, highly detailed, sharp focus, cinematic lighting"

// negativePrompt is the fixed, backend-independent deny-list of quality and
// anatomy defects. It is a constant, never scene-derived.
const negativePrompt = "low quality, worst quality, blurry, jpeg artifacts, " +
	"deformed, bad anatomy, disfigured, extra limbs, missing fingers, " +
	"fused fingers, watermark, text, logo, signature, username"

// Seed derivation constants. The scene multiplier keeps seeds from distinct
// scenes far apart; the attempt offset separates retries of the same scene.
const (
	seedSceneStride   = 1_000_003
	seedAttemptStride = 7919
)

// IncompleteSceneError reports a scene missing a field the compiler cannot
// default. Style and technical fields always have defaults and never trigger it.
type IncompleteSceneError struct {
	SceneID int
	Reason  string
}

func (e *IncompleteSceneError) Error() string {
	return fmt.Sprintf("scene %d is incomplete: %s", e.SceneID, e.Reason)
}

// GenerationRequest is a fully compiled, backend-ready encoding of one scene.
// It is derived and disposable: recomputed per attempt, never persisted apart
// from the stage record that produced it.
type GenerationRequest struct {
	SceneID int          `json:"scene_id"`
	Attempt int          `json:"attempt"`
	Kind    WorkflowKind `json:"kind"`
	Seed    int64        `json:"seed"`
	Prompt  Graph        `json:"prompt"`
}

// Encode renders the request as the JSON body the backend accepts.
// encoding/json sorts map keys, so the output is byte-stable.
func (r *GenerationRequest) Encode() ([]byte, error) {
	return json.Marshal(r.Prompt)
}

// Compiler builds generation requests. The zero value is not usable; construct
// with New so the checkpoint name is pinned explicitly.
type Compiler struct {
	checkpoint string
}

// New returns a Compiler using the given model checkpoint, or the default
// checkpoint when empty.
func New(checkpoint string) *Compiler {
	if checkpoint == "" {
		checkpoint = DefaultCheckpoint
	}
	return &Compiler{checkpoint: checkpoint}
}

// Compile converts one scene into a backend-ready request for the given
// workflow kind and attempt number. Pure: no I/O, no clock, no randomness.
func (c *Compiler) Compile(sc *scene.Scene, kind WorkflowKind, attempt int) (*GenerationRequest, error) {
	if sc == nil {
		return nil, &IncompleteSceneError{Reason: "scene is nil"}
	}
	if sc.ID <= 0 {
		return nil, &IncompleteSceneError{SceneID: sc.ID, Reason: "scene id is missing"}
	}
	if sc.Prompt == "" {
		return nil, &IncompleteSceneError{SceneID: sc.ID, Reason: "generation prompt is missing"}
	}

	p := params{
		checkpoint: c.checkpoint,
		positive:   buildPositivePrompt(sc),
		negative:   negativePrompt,
		width:      intOr(sc.Tech.Width, DefaultWidth),
		height:     intOr(sc.Tech.Height, DefaultHeight),
		steps:      intOr(sc.Tech.Steps, DefaultSteps),
		cfg:        floatOr(sc.Tech.CFGScale, DefaultCFGScale),
		sampler:    strOr(sc.Tech.Sampler, DefaultSampler),
		scheduler:  strOr(sc.Tech.Scheduler, DefaultScheduler),
		seed:       DeriveSeed(sc, attempt),
		fps:        intOr(sc.Tech.FPS, DefaultFPS),
		filePrefix: fmt.Sprintf("scene_%03d_%s_a%d", sc.ID, kind, attempt),
	}
	p.frames = frameCount(sc, p.fps)

	var graph Graph
	switch kind {
	case WorkflowVideo:
		graph = videoGraph(p)
	case WorkflowKeyframe:
		graph = keyframeGraph(p)
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", kind)
	}

	return &GenerationRequest{
		SceneID: sc.ID,
		Attempt: attempt,
		Kind:    kind,
		Seed:    p.seed,
		Prompt:  graph,
	}, nil
}

// Skipped describes one scene dropped from a batch compilation.
type Skipped struct {
	SceneID int
	Reason  string
}

// BatchResult is the outcome of CompileAll: the successfully compiled subset
// plus the per-scene failure report.
type BatchResult struct {
	Requests []*GenerationRequest
	Skipped  []Skipped
}

// CompileAll compiles each scene independently. A scene failing validation is
// logged and reported in the result, never aborting the rest of the batch.
func (c *Compiler) CompileAll(scenes []*scene.Scene, kind WorkflowKind, attempt int) *BatchResult {
	res := &BatchResult{}
	for _, sc := range scenes {
		req, err := c.Compile(sc, kind, attempt)
		if err != nil {
			id := 0
			if sc != nil {
				id = sc.ID
			}
			log.Warn().Err(err).Int("scene", id).Msg("Skipping scene in batch compile")
			res.Skipped = append(res.Skipped, Skipped{SceneID: id, Reason: err.Error()})
			continue
		}
		res.Requests = append(res.Requests, req)
	}
	return res
}

// DeriveSeed computes the generation seed for a scene attempt. A scene with a
// pinned seed always uses it; otherwise the seed is a pure function of
// (scene id, attempt), distinct across scenes and across retries.
func DeriveSeed(sc *scene.Scene, attempt int) int64 {
	if sc.Seed != nil {
		return *sc.Seed
	}
	return int64(sc.ID)*seedSceneStride + int64(attempt)*seedAttemptStride
}

// buildPositivePrompt concatenates, in fixed order: the scene's base prompt,
// each non-empty style element as a comma-separated clause, then the quality
// suffix.
func buildPositivePrompt(sc *scene.Scene) string {
	prompt := sc.Prompt
	for _, clause := range []string{
		sc.Style.Subject,
		sc.Style.Environment,
		sc.Style.VisualStyle,
		sc.Style.CameraMotion,
	} {
		if clause != "" {
			prompt += ", " + clause
		}
	}
	return prompt + ", " + qualitySuffix
}

// frameCount resolves the video frame count: an explicit tech value wins,
// then a duration-derived count, then the default.
func frameCount(sc *scene.Scene, fps int) int {
	if sc.Tech.FrameCount > 0 {
		return sc.Tech.FrameCount
	}
	if sc.DurationSec > 0 {
		return int(sc.DurationSec * float64(fps))
	}
	return DefaultFrameCount
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func floatOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func strOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
