package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/ai-video-pipeline/internal/compile"
	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastClient returns a client with millisecond poll intervals so the poll
// loop tests do not sleep through real backoff.
func fastClient(baseURL string, pollTimeout time.Duration) *Client {
	c := NewClient(baseURL, "test-client", pollTimeout)
	c.pollInterval = time.Millisecond
	c.pollMaxInterval = 5 * time.Millisecond
	return c
}

func testRequest(t *testing.T) *compile.GenerationRequest {
	t.Helper()
	req, err := compile.New("").Compile(
		&scene.Scene{ID: 1, Prompt: "a lighthouse at dusk"},
		compile.WorkflowKeyframe, 1)
	require.NoError(t, err)
	return req
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system_stats", r.URL.Path)
		w.Write([]byte(`{"system": {}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-client", time.Minute)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "test-client", time.Minute)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestGenerateQueuePollFetch(t *testing.T) {
	var polls atomic.Int32
	artifact := []byte("webp-bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt   map[string]json.RawMessage `json:"prompt"`
			ClientID string                     `json:"client_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-client", body.ClientID)
		assert.Len(t, body.Prompt, 7, "the full compiled graph is queued")
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-123"})
	})
	mux.HandleFunc("GET /history/p-123", func(w http.ResponseWriter, r *http.Request) {
		// first poll: still executing, absent from history
		if polls.Add(1) == 1 {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{
			"p-123": {
				"outputs": {"7": {"images": [{"filename": "scene_001.png", "subfolder": "", "type": "output"}]}},
				"status": {"completed": true, "status_str": "success"}
			}
		}`))
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scene_001.png", r.URL.Query().Get("filename"))
		w.Write(artifact)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := fastClient(srv.URL, time.Minute)
	destDir := t.TempDir()

	got, err := c.Generate(context.Background(), testRequest(t), destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "scene_001.png"), got.Path)
	assert.Equal(t, int64(len(artifact)), got.SizeBytes)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, artifact, data)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestGenerateQueueRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"type": "invalid_prompt"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, time.Minute)
	_, err := c.Generate(context.Background(), testRequest(t), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestGenerateExecutionError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-err"})
	})
	mux.HandleFunc("GET /history/p-err", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"p-err": {"outputs": {}, "status": {"completed": false, "status_str": "error"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := fastClient(srv.URL, time.Minute)
	start := time.Now()
	_, err := c.Generate(context.Background(), testRequest(t), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution failed")
	assert.NotContains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second,
		"a terminal execution error returns immediately, not after the poll deadline")
}

func TestGeneratePollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-slow"})
	})
	mux.HandleFunc("GET /history/p-slow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) // never finishes
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := fastClient(srv.URL, 10*time.Millisecond)
	_, err := c.Generate(context.Background(), testRequest(t), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
