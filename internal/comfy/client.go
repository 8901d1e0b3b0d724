// Package comfy provides a client for a ComfyUI-compatible generation
// backend. Generation is a multi-step process:
//
//  1. Queue a compiled prompt graph (POST /prompt), receiving a prompt id
//  2. Poll the history endpoint until the graph finishes executing
//  3. Fetch each output artifact by reference (GET /view) into the session dir
//
// The backend's health is queryable via GET /system_stats; the orchestrator
// treats a failed health check as a fatal precondition for any generation
// stage.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fpang/ai-video-pipeline/internal/compile"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout is the HTTP client timeout for individual API calls.
	// Artifact downloads get a longer budget via the poll deadline.
	defaultTimeout = 60 * time.Second

	// Prompt execution poll settings.
	initialPollInterval = 2 * time.Second
	maxPollInterval     = 15 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// Artifact is a fetched backend output.
type Artifact struct {
	Path      string
	SizeBytes int64
}

// terminalError marks a poll outcome retrying cannot change, such as the
// backend reporting the prompt's execution failed. waitForPrompt returns it
// immediately instead of burning the poll deadline.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

// Client talks to one generation backend instance.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	clientID        string
	pollTimeout     time.Duration
	pollInterval    time.Duration
	pollMaxInterval time.Duration
}

// NewClient creates a backend client for the given base URL. clientID tags
// queued prompts so backend-side queue entries can be correlated with a
// session.
func NewClient(baseURL, clientID string, pollTimeout time.Duration) *Client {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Client{
		httpClient:      &http.Client{Timeout: defaultTimeout},
		baseURL:         baseURL,
		clientID:        clientID,
		pollTimeout:     pollTimeout,
		pollInterval:    initialPollInterval,
		pollMaxInterval: maxPollInterval,
	}
}

// Health checks that the backend is reachable and serving its status
// endpoint. Returns an error describing the failure otherwise.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend status endpoint returned %d", resp.StatusCode)
	}
	log.Debug().Str("backend", c.baseURL).Msg("Backend health check passed")
	return nil
}

// Generate queues the compiled request, waits for execution to finish, and
// fetches the first output artifact into destDir.
func (c *Client) Generate(ctx context.Context, genReq *compile.GenerationRequest, destDir string) (*Artifact, error) {
	promptID, err := c.queue(ctx, genReq)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("promptId", promptID).
		Int("scene", genReq.SceneID).
		Str("kind", string(genReq.Kind)).
		Int64("seed", genReq.Seed).
		Msg("Generation queued")

	out, err := c.waitForPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return c.fetch(ctx, out, destDir)
}

// --- API response types ---

type queueResponse struct {
	PromptID string         `json:"prompt_id"`
	Error    map[string]any `json:"error,omitempty"`
}

// outputRef identifies one produced file on the backend.
type outputRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []outputRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// --- Internal steps ---

// queue submits the prompt graph and returns the backend's prompt id.
func (c *Client) queue(ctx context.Context, genReq *compile.GenerationRequest) (string, error) {
	graph, err := genReq.Encode()
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"prompt":    json.RawMessage(graph),
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal queue body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("queue prompt: backend returned %d (body: %s)",
			httpResp.StatusCode, truncate(string(respBody), 200))
	}

	var resp queueResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parse queue response: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("queue prompt: no prompt id returned (body: %s)",
			truncate(string(respBody), 200))
	}
	return resp.PromptID, nil
}

// waitForPrompt polls history until the prompt finishes or the poll deadline
// expires. Uses exponential backoff: 2s, 4s, 8s, 15s (max). A terminal poll
// outcome is returned immediately; only network/parse errors retry.
func (c *Client) waitForPrompt(ctx context.Context, promptID string) (*outputRef, error) {
	deadline := time.Now().Add(c.pollTimeout)
	interval := c.pollInterval

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("prompt %s: timed out after %s waiting for execution", promptID, c.pollTimeout)
		}

		out, done, err := c.pollHistory(ctx, promptID)
		var fatal *terminalError
		if errors.As(err, &fatal) {
			return nil, fatal.err
		}
		if err != nil {
			// Transient poll errors are logged and retried until the deadline.
			log.Warn().Err(err).Str("promptId", promptID).Msg("History poll error, retrying")
		} else if done {
			return out, nil
		} else {
			log.Debug().Str("promptId", promptID).Dur("nextPoll", interval).Msg("Prompt still executing")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.pollMaxInterval {
			interval = c.pollMaxInterval
		}
	}
}

// pollHistory checks whether the prompt has finished and returns the first
// output reference when it has.
func (c *Client) pollHistory(ctx context.Context, promptID string) (*outputRef, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("history request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}

	var history map[string]historyEntry
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, false, fmt.Errorf("parse history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		// Not in history yet: still queued or executing.
		return nil, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, false, &terminalError{err: fmt.Errorf("prompt %s: execution failed on the backend", promptID)}
	}
	for _, nodeOut := range entry.Outputs {
		if len(nodeOut.Images) > 0 {
			out := nodeOut.Images[0]
			return &out, true, nil
		}
	}
	if entry.Status.Completed {
		return nil, false, &terminalError{err: fmt.Errorf("prompt %s: completed without outputs", promptID)}
	}
	return nil, false, nil
}

// fetch downloads one output artifact into destDir.
func (c *Client) fetch(ctx context.Context, out *outputRef, destDir string) (*Artifact, error) {
	params := url.Values{
		"filename":  {out.Filename},
		"subfolder": {out.Subfolder},
		"type":      {out.Type},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", out.Filename, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact %s: backend returned %d", out.Filename, httpResp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	destPath := filepath.Join(destDir, out.Filename)
	f, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, httpResp.Body)
	if err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("write artifact %s: %w", destPath, err)
	}

	log.Debug().Str("path", destPath).Int64("bytes", n).Msg("Artifact fetched")
	return &Artifact{Path: destPath, SizeBytes: n}, nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
