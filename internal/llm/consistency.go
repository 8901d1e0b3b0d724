package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fpang/ai-video-pipeline/internal/jsonutil"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const consistencySystemInstruction = `You are a visual quality inspector for
generated video. Given a reference keyframe and a frame sampled from the
generated clip, you judge how consistent the clip is with the keyframe in
subject, style, and composition. You always respond with JSON only.`

const consistencyPrompt = `The first image is the reference keyframe, the
second is a frame from the generated clip. Rate their consistency.
Respond with a single JSON object: {"score": <number between 0.0 and 1.0>, "notes": "..."}`

// consistencyResponse is the JSON shape the model is asked to produce.
type consistencyResponse struct {
	Score float64 `json:"score"`
	Notes string  `json:"notes"`
}

// ScoreConsistency compares a generated clip frame against its reference
// keyframe and returns a similarity score in [0, 1].
func (c *Client) ScoreConsistency(ctx context.Context, keyframePath, framePath string) (float64, Usage, error) {
	parts := make([]*genai.Part, 0, 3)
	for _, path := range []string{keyframePath, framePath} {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, Usage{}, fmt.Errorf("read image %s: %w", path, err)
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: imageMIMEType(path),
				Data:     data,
			},
		})
	}
	parts = append(parts, &genai.Part{Text: consistencyPrompt})

	text, usage, err := c.generate(ctx, "consistency", parts, consistencySystemInstruction)
	if err != nil {
		return 0, usage, err
	}

	resp, err := jsonutil.Decode[consistencyResponse](text)
	if err != nil {
		return 0, usage, fmt.Errorf("parse consistency response: %w", err)
	}
	if resp.Score < 0 || resp.Score > 1 {
		return 0, usage, fmt.Errorf("consistency score %.3f out of range", resp.Score)
	}

	log.Debug().Float64("score", resp.Score).Str("notes", resp.Notes).Msg("Consistency scored")
	return resp.Score, usage, nil
}

func imageMIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
