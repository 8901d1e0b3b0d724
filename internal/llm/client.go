// Package llm is the language-model boundary of the pipeline: script writing,
// scene segmentation, and consistency scoring, all through the Gemini API.
// Every call returns the token usage the session ledger records, with a cost
// estimate from the per-model pricing table.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Usage is the token/cost accounting for one model call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
}

// pricing is USD per one million tokens.
type pricing struct {
	promptPerM     float64
	completionPerM float64
}

// priceTable maps model names to their published rates. Unknown models fall
// back to defaultPricing so cost is estimated rather than silently zero.
var priceTable = map[string]pricing{
	"gemini-2.5-pro":        {promptPerM: 1.25, completionPerM: 10.00},
	"gemini-2.5-flash":      {promptPerM: 0.30, completionPerM: 2.50},
	"gemini-2.5-flash-lite": {promptPerM: 0.10, completionPerM: 0.40},
}

var defaultPricing = pricing{promptPerM: 0.30, completionPerM: 2.50}

// Client wraps a Gemini client with the model name pinned from configuration.
type Client struct {
	genai *genai.Client
	model string
}

// NewClient creates the Gemini client. Endpoint, key and model come from the
// configuration object, never from the environment inside stage logic.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{genai: gc, model: model}, nil
}

// Model returns the configured model name, used as the ledger usage key.
func (c *Client) Model() string {
	return c.model
}

// generate sends one content request and returns the response text plus usage.
func (c *Client) generate(ctx context.Context, op string, parts []*genai.Part, system string) (string, Usage, error) {
	var config *genai.GenerateContentConfig
	if system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: system}},
			},
		}
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	start := time.Now()
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, config)
	elapsed := time.Since(start)

	usage := usageFrom(resp, c.model)
	if err != nil {
		log.Error().Err(err).Str("operation", op).Dur("duration", elapsed).Msg("Gemini call failed")
		return "", usage, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil {
		return "", usage, fmt.Errorf("received empty response from Gemini API")
	}

	text := resp.Text()
	log.Debug().
		Str("operation", op).
		Str("model", c.model).
		Int("response_length", len(text)).
		Int64("prompt_tokens", usage.PromptTokens).
		Int64("completion_tokens", usage.CompletionTokens).
		Dur("duration", elapsed).
		Msg("Gemini response received")

	return text, usage, nil
}

func usageFrom(resp *genai.GenerateContentResponse, model string) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	u := Usage{
		PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
	}
	p, ok := priceTable[model]
	if !ok {
		p = defaultPricing
	}
	u.CostUSD = float64(u.PromptTokens)/1e6*p.promptPerM +
		float64(u.CompletionTokens)/1e6*p.completionPerM
	return u
}
