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

const scriptSystemInstruction = `You are a short-form video scriptwriter.
You write tight, visual narration that can be read aloud within the target
duration. You always respond with JSON only.`

// scriptResponse is the JSON shape the model is asked to produce.
type scriptResponse struct {
	Title     string  `json:"title"`
	Narration string  `json:"narration"`
	TotalSec  float64 `json:"total_sec"`
}

// WriteScript generates the narration script for a topic.
func (c *Client) WriteScript(ctx context.Context, topic *scene.Topic, style string, targetSec float64) (*scene.Script, Usage, error) {
	log.Info().
		Str("topic", topic.Title).
		Str("style", style).
		Float64("target_sec", targetSec).
		Msg("Writing script with Gemini")

	prompt := buildScriptPrompt(topic, style, targetSec)
	text, usage, err := c.generate(ctx, "script", []*genai.Part{{Text: prompt}}, scriptSystemInstruction)
	if err != nil {
		return nil, usage, err
	}

	resp, err := jsonutil.Decode[scriptResponse](text)
	if err != nil {
		return nil, usage, fmt.Errorf("parse script response: %w", err)
	}
	if resp.Narration == "" {
		return nil, usage, fmt.Errorf("script response has no narration")
	}
	if resp.TotalSec <= 0 {
		resp.TotalSec = targetSec
	}

	return &scene.Script{
		TopicID:   topic.ID,
		Title:     resp.Title,
		Narration: resp.Narration,
		TotalSec:  resp.TotalSec,
	}, usage, nil
}

func buildScriptPrompt(topic *scene.Topic, style string, targetSec float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the narration script for a %.0f second video about: %s\n", targetSec, topic.Title)
	if topic.Summary != "" {
		fmt.Fprintf(&b, "Background: %s\n", topic.Summary)
	}
	if len(topic.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords to work in: %s\n", strings.Join(topic.Keywords, ", "))
	}
	if style != "" {
		fmt.Fprintf(&b, "Tone and visual style: %s\n", style)
	}
	b.WriteString(`
Respond with a single JSON object:
{"title": "...", "narration": "...", "total_sec": <number>}
The narration must be readable aloud within total_sec seconds.`)
	return b.String()
}
