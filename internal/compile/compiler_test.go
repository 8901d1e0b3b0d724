package compile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScene(id int) *scene.Scene {
	return &scene.Scene{
		ID:          id,
		Description: "a cat drifting through a nebula",
		Prompt:      "a cat floating in space",
		DurationSec: 3,
		Style: scene.Style{
			Subject:      "tabby cat in a tiny spacesuit",
			Environment:  "deep space, purple nebula",
			VisualStyle:  "cinematic, volumetric light",
			CameraMotion: "slow dolly in",
		},
	}
}

func TestCompileDeterministic(t *testing.T) {
	c := New("")
	sc := testScene(3)

	first, err := c.Compile(sc, WorkflowVideo, 2)
	require.NoError(t, err)
	second, err := c.Compile(sc, WorkflowVideo, 2)
	require.NoError(t, err)

	firstBytes, err := first.Encode()
	require.NoError(t, err)
	secondBytes, err := second.Encode()
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes, "same scene, kind and attempt must encode byte-identically")
}

func TestCompileAppliesDefaults(t *testing.T) {
	c := New("")
	sc := &scene.Scene{ID: 1, Prompt: "a lighthouse at dusk"}

	req, err := c.Compile(sc, WorkflowKeyframe, 1)
	require.NoError(t, err)

	latent := req.Prompt["4"]
	assert.Equal(t, "EmptyLatentImage", latent.ClassType)
	assert.Equal(t, DefaultWidth, latent.Inputs["width"])
	assert.Equal(t, DefaultHeight, latent.Inputs["height"])

	sampler := req.Prompt["5"]
	assert.Equal(t, DefaultSteps, sampler.Inputs["steps"])
	assert.Equal(t, DefaultCFGScale, sampler.Inputs["cfg"])
	assert.Equal(t, DefaultSampler, sampler.Inputs["sampler_name"])
	assert.Equal(t, DefaultScheduler, sampler.Inputs["scheduler"])

	checkpoint := req.Prompt["1"]
	assert.Equal(t, DefaultCheckpoint, checkpoint.Inputs["ckpt_name"])
}

func TestCompileSceneOverridesWin(t *testing.T) {
	c := New("custom_model.safetensors")
	sc := testScene(1)
	sc.Tech = scene.Tech{
		Width:    512,
		Height:   512,
		Steps:    20,
		CFGScale: 5.5,
		Sampler:  "euler",
	}

	req, err := c.Compile(sc, WorkflowKeyframe, 1)
	require.NoError(t, err)

	assert.Equal(t, "custom_model.safetensors", req.Prompt["1"].Inputs["ckpt_name"])
	assert.Equal(t, 512, req.Prompt["4"].Inputs["width"])
	assert.Equal(t, 20, req.Prompt["5"].Inputs["steps"])
	assert.Equal(t, 5.5, req.Prompt["5"].Inputs["cfg"])
	assert.Equal(t, "euler", req.Prompt["5"].Inputs["sampler_name"])
	// unset fields still default
	assert.Equal(t, DefaultScheduler, req.Prompt["5"].Inputs["scheduler"])
}

func TestPositivePromptOrderAndSuffix(t *testing.T) {
	c := New("")
	sc := testScene(1)
	sc.Style.Environment = "" // empty clauses are dropped, order preserved

	req, err := c.Compile(sc, WorkflowKeyframe, 1)
	require.NoError(t, err)

	positive := req.Prompt["2"].Inputs["text"].(string)
	assert.Equal(t,
		"a cat floating in space, tabby cat in a tiny spacesuit, cinematic, volumetric light, slow dolly in, "+qualitySuffix,
		positive)

	negative := req.Prompt["3"].Inputs["text"].(string)
	assert.Equal(t, negativePrompt, negative, "negative prompt is constant, never scene-derived")
}

func TestDeriveSeedDistinctAcrossScenesAndAttempts(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seen := make(map[int64]string)

	for range 200 {
		id := rng.Intn(500) + 1
		attempt := rng.Intn(10) + 1
		key := fmt.Sprintf("scene=%d attempt=%d", id, attempt)
		seed := DeriveSeed(&scene.Scene{ID: id, Prompt: "x"}, attempt)

		if prev, ok := seen[seed]; ok {
			require.Equal(t, key, prev, "seed %d collides: %s vs %s", seed, prev, key)
		}
		seen[seed] = key
	}
}

func TestDeriveSeedPinnedSeedWins(t *testing.T) {
	pinned := int64(42)
	sc := testScene(7)
	sc.Seed = &pinned

	assert.Equal(t, pinned, DeriveSeed(sc, 1))
	assert.Equal(t, pinned, DeriveSeed(sc, 3), "pinned seed applies to every attempt")
}

func TestCompileIncompleteScene(t *testing.T) {
	c := New("")

	tests := []struct {
		name string
		sc   *scene.Scene
	}{
		{"nil scene", nil},
		{"missing id", &scene.Scene{Prompt: "x"}},
		{"missing prompt", &scene.Scene{ID: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.sc, WorkflowKeyframe, 1)
			var ise *IncompleteSceneError
			require.ErrorAs(t, err, &ise)
		})
	}
}

func TestCompileAllSkipsInvalidScenes(t *testing.T) {
	c := New("")
	scenes := []*scene.Scene{
		testScene(1),
		{ID: 2}, // no prompt
		testScene(3),
	}

	res := c.CompileAll(scenes, WorkflowKeyframe, 1)

	require.Len(t, res.Requests, 2)
	assert.Equal(t, 1, res.Requests[0].SceneID)
	assert.Equal(t, 3, res.Requests[1].SceneID)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 2, res.Skipped[0].SceneID)
	assert.Contains(t, res.Skipped[0].Reason, "prompt")
}

func TestGraphTopology(t *testing.T) {
	c := New("")
	sc := testScene(1)

	keyframe, err := c.Compile(sc, WorkflowKeyframe, 1)
	require.NoError(t, err)
	video, err := c.Compile(sc, WorkflowVideo, 1)
	require.NoError(t, err)

	for _, req := range []*GenerationRequest{keyframe, video} {
		require.Len(t, req.Prompt, 7)
		assert.Equal(t, "CheckpointLoaderSimple", req.Prompt["1"].ClassType)
		assert.Equal(t, "CLIPTextEncode", req.Prompt["2"].ClassType)
		assert.Equal(t, "CLIPTextEncode", req.Prompt["3"].ClassType)
		assert.Equal(t, "KSampler", req.Prompt["5"].ClassType)
		assert.Equal(t, "VAEDecode", req.Prompt["6"].ClassType)

		// the sampler consumes both encoders and the latent init
		sampler := req.Prompt["5"].Inputs
		assert.Equal(t, []any{"2", 0}, sampler["positive"])
		assert.Equal(t, []any{"3", 0}, sampler["negative"])
		assert.Equal(t, []any{"4", 0}, sampler["latent_image"])
	}

	assert.Equal(t, "EmptyLatentImage", keyframe.Prompt["4"].ClassType)
	assert.Equal(t, "SaveImage", keyframe.Prompt["7"].ClassType)
	assert.Equal(t, "EmptyLatentVideo", video.Prompt["4"].ClassType)
	assert.Equal(t, "SaveAnimatedWEBP", video.Prompt["7"].ClassType)
}

func TestFrameCountFromDuration(t *testing.T) {
	c := New("")
	sc := testScene(1)
	sc.DurationSec = 2.5
	sc.Tech.FPS = 20

	req, err := c.Compile(sc, WorkflowVideo, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, req.Prompt["4"].Inputs["length"], "frame count is duration times fps")

	sc.Tech.FrameCount = 64
	req, err = c.Compile(sc, WorkflowVideo, 1)
	require.NoError(t, err)
	assert.Equal(t, 64, req.Prompt["4"].Inputs["length"], "explicit frame count wins over duration")
}
