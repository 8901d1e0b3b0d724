// Package crawler is the read-only client for the vendored social-media
// crawler service, used by the collect stage to find trending topic
// candidates. When the caller pre-seeds a topic the collect stage skips this
// client entirely.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// Client talks to one crawler service instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a crawler client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
	}
}

type trendingResponse struct {
	Topics []scene.Topic `json:"topics"`
}

// Trending returns topic candidates matching the given keywords, best first.
func (c *Client) Trending(ctx context.Context, keywords []string) ([]scene.Topic, error) {
	params := url.Values{}
	if len(keywords) > 0 {
		params.Set("keywords", strings.Join(keywords, ","))
	}

	endpoint := c.baseURL + "/api/v1/trending"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trending request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crawler returned %d", httpResp.StatusCode)
	}

	var resp trendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse trending response: %w", err)
	}
	if len(resp.Topics) == 0 {
		return nil, fmt.Errorf("no trending topics for keywords %v", keywords)
	}

	log.Info().Int("count", len(resp.Topics)).Msg("Trending topics fetched")
	return resp.Topics, nil
}
