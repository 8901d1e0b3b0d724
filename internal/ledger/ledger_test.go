package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	return l, dir
}

func record(stage string, sceneID, attempt int, ok bool) StageRecord {
	now := time.Now().UTC()
	return StageRecord{
		Stage:     stage,
		SceneID:   sceneID,
		Attempt:   attempt,
		StartedAt: now,
		EndedAt:   now.Add(time.Second),
		Success:   ok,
	}
}

func TestSessionLifecycle(t *testing.T) {
	l, _ := openTestLedger(t)

	id, err := l.StartSession(InputParams{Keywords: []string{"cats"}, Style: "cinematic"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, l.RecordStage(id, record("script", 0, 1, true)))
	require.NoError(t, l.RecordStage(id, record("segment", 0, 1, true)))
	require.NoError(t, l.RecordArtifact(id, "final", "/tmp/out.mp4", ArtifactMeta{SizeBytes: 1024}))
	require.NoError(t, l.EndSession(id, StatusCompleted, "/tmp/out.mp4", ""))

	sum, err := l.Summarize(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, []string{"script", "segment"}, sum.Stages)
	assert.Equal(t, 1, sum.ArtifactCount)
	assert.Equal(t, 0, sum.ErrorCount)
	assert.Equal(t, "/tmp/out.mp4", sum.FinalPath)
}

func TestMutationAfterEndSessionFails(t *testing.T) {
	l, _ := openTestLedger(t)

	id, err := l.StartSession(InputParams{})
	require.NoError(t, err)
	require.NoError(t, l.EndSession(id, StatusFailed, "", "backend unreachable"))

	assert.ErrorIs(t, l.RecordStage(id, record("video", 1, 1, true)), ErrUnknownSession)
	assert.ErrorIs(t, l.RecordUsage(id, "gemini-2.5-flash", Usage{TotalTokens: 10}), ErrUnknownSession)
	assert.ErrorIs(t, l.RecordArtifact(id, "video", "/tmp/x.webp", ArtifactMeta{}), ErrUnknownSession)
	assert.ErrorIs(t, l.EndSession(id, StatusCompleted, "", ""), ErrUnknownSession)

	// summaries still work for closed sessions
	_, err = l.Summarize(id)
	assert.NoError(t, err)
}

func TestUnknownSession(t *testing.T) {
	l, _ := openTestLedger(t)

	assert.ErrorIs(t, l.RecordStage("nope", record("script", 0, 1, true)), ErrUnknownSession)
	_, err := l.Summarize("nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestUsageAccumulatesPerModel(t *testing.T) {
	l, _ := openTestLedger(t)

	id, err := l.StartSession(InputParams{})
	require.NoError(t, err)

	require.NoError(t, l.RecordUsage(id, "gemini-2.5-flash", Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140, CostUSD: 0.001}))
	require.NoError(t, l.RecordUsage(id, "gemini-2.5-flash", Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, CostUSD: 0.0005}))
	require.NoError(t, l.RecordUsage(id, "gemini-2.5-pro", Usage{TotalTokens: 20}))

	sum, err := l.Summarize(id)
	require.NoError(t, err)

	flash := sum.Usage["gemini-2.5-flash"]
	assert.Equal(t, int64(150), flash.PromptTokens)
	assert.Equal(t, int64(50), flash.CompletionTokens)
	assert.Equal(t, int64(200), flash.TotalTokens)
	assert.InDelta(t, 0.0015, flash.CostUSD, 1e-9)
	assert.Equal(t, int64(20), sum.Usage["gemini-2.5-pro"].TotalTokens)
}

func TestDocumentOnDiskAlwaysParseable(t *testing.T) {
	l, dir := openTestLedger(t)

	id, err := l.StartSession(InputParams{Keywords: []string{"space"}})
	require.NoError(t, err)
	require.NoError(t, l.RecordStage(id, record("script", 0, 1, true)))

	// every mutation persists: the document is readable mid-session
	path := filepath.Join(dir, "sessions", id, "ledger.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var s Session
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, id, s.ID)
	assert.Equal(t, StatusRunning, s.Status)
	require.Len(t, s.Stages, 1)
	assert.Equal(t, "script", s.Stages[0].Stage)
}

func TestReloadAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	id, err := l.StartSession(InputParams{Style: "retro"})
	require.NoError(t, err)
	require.NoError(t, l.RecordStage(id, record("script", 0, 1, false)))
	require.NoError(t, l.EndSession(id, StatusFailed, "", "llm: boom"))

	reopened, err := Open(dir)
	require.NoError(t, err)

	sum, err := reopened.Summarize(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, 1, sum.ErrorCount)

	// reloaded sessions are closed
	assert.ErrorIs(t, reopened.RecordStage(id, record("video", 1, 1, true)), ErrUnknownSession)
}

func TestSummarizeAllSortedByCreation(t *testing.T) {
	l, _ := openTestLedger(t)

	first, err := l.StartSession(InputParams{})
	require.NoError(t, err)
	second, err := l.StartSession(InputParams{})
	require.NoError(t, err)
	require.NoError(t, l.EndSession(first, StatusCompleted, "", ""))

	sums := l.SummarizeAll()
	require.Len(t, sums, 2)
	assert.Equal(t, first, sums[0].SessionID)
	assert.Equal(t, second, sums[1].SessionID)
	assert.False(t, sums[0].CreatedAt.After(sums[1].CreatedAt))
}

func TestConcurrentRecordsSingleSession(t *testing.T) {
	l, _ := openTestLedger(t)

	id, err := l.StartSession(InputParams{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(sceneID int) {
			defer wg.Done()
			assert.NoError(t, l.RecordStage(id, record("video", sceneID, 1, true)))
		}(i)
	}
	wg.Wait()

	sum, err := l.Summarize(id)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.ErrorCount)

	data, err := os.ReadFile(filepath.Join(l.SessionDir(id), "ledger.json"))
	require.NoError(t, err)
	var s Session
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Len(t, s.Stages, 8, "concurrent mutations are serialized, none lost")
}
