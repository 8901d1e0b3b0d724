package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fpang/ai-video-pipeline/internal/jsonutil"
	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const segmentSystemInstruction = `You are a storyboard artist breaking a
narration script into visual scenes for an image/video generation model.
Each scene needs a concrete, self-contained generation prompt: no pronouns,
no references to other scenes. You always respond with JSON only.`

// segmentResponse is the JSON shape the model is asked to produce.
type segmentResponse struct {
	Scenes []struct {
		Description  string  `json:"description"`
		Prompt       string  `json:"prompt"`
		DurationSec  float64 `json:"duration_sec"`
		Subject      string  `json:"subject"`
		Environment  string  `json:"environment"`
		VisualStyle  string  `json:"visual_style"`
		CameraMotion string  `json:"camera_motion"`
	} `json:"scenes"`
}

// SplitScenes breaks a script into ordered scenes. Scene ids are assigned
// here, 1-based in narrative order, and are unique within the session.
func (c *Client) SplitScenes(ctx context.Context, script *scene.Script, style string) ([]*scene.Scene, Usage, error) {
	log.Info().
		Str("title", script.Title).
		Float64("total_sec", script.TotalSec).
		Msg("Splitting script into scenes with Gemini")

	prompt := buildSegmentPrompt(script, style)
	text, usage, err := c.generate(ctx, "segment", []*genai.Part{{Text: prompt}}, segmentSystemInstruction)
	if err != nil {
		return nil, usage, err
	}

	resp, err := jsonutil.Decode[segmentResponse](text)
	if err != nil {
		return nil, usage, fmt.Errorf("parse segmentation response: %w", err)
	}
	if len(resp.Scenes) == 0 {
		return nil, usage, fmt.Errorf("segmentation produced no scenes")
	}

	scenes := make([]*scene.Scene, 0, len(resp.Scenes))
	for i, s := range resp.Scenes {
		sc := &scene.Scene{
			ID:          i + 1,
			Description: s.Description,
			Prompt:      s.Prompt,
			DurationSec: s.DurationSec,
			Style: scene.Style{
				Subject:      s.Subject,
				Environment:  s.Environment,
				VisualStyle:  s.VisualStyle,
				CameraMotion: s.CameraMotion,
			},
		}
		if err := sc.Validate(); err != nil {
			return nil, usage, fmt.Errorf("segmentation produced invalid scene: %w", err)
		}
		scenes = append(scenes, sc)
	}

	log.Info().Int("scenes", len(scenes)).Msg("Script segmented")
	return scenes, usage, nil
}

func buildSegmentPrompt(script *scene.Script, style string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Break this %.0f second narration into 3-8 visual scenes.\n\n", script.TotalSec)
	fmt.Fprintf(&b, "Title: %s\nNarration:\n%s\n", script.Title, script.Narration)
	if style != "" {
		fmt.Fprintf(&b, "\nOverall visual style: %s\n", style)
	}
	b.WriteString(`
Respond with a single JSON object:
{"scenes": [{"description": "...", "prompt": "...", "duration_sec": <number>,
"subject": "...", "environment": "...", "visual_style": "...", "camera_motion": "..."}]}
Scene durations must sum to roughly the narration length.`)
	return b.String()
}
