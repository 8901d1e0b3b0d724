package ledger

import "time"

// Status is the lifecycle state of a session. A session is terminal once its
// status leaves StatusRunning.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FlagBelowThreshold marks a stage record whose scene was accepted with its
// best-scoring attempt after exhausting consistency retries.
const FlagBelowThreshold = "below_threshold"

// InputParams captures the caller's request for audit purposes.
type InputParams struct {
	Keywords          []string `json:"keywords,omitempty"`
	Style             string   `json:"style,omitempty"`
	TargetDurationSec float64  `json:"target_duration_sec,omitempty"`
	Topic             string   `json:"topic,omitempty"`
}

// Usage accumulates language-model token counters and estimated cost, keyed
// by model name within a session.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// StageRecord is one execution attempt of a stage. Records are append-only:
// a retried stage gets a new record, never an edit of the old one.
type StageRecord struct {
	Stage     string    `json:"stage"`
	SceneID   int       `json:"scene_id,omitempty"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Flag      string    `json:"flag,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Outputs   []string  `json:"outputs,omitempty"`
}

// ArtifactMeta describes a produced file.
type ArtifactMeta struct {
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	SizeBytes   int64   `json:"size_bytes,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Artifact registers a file produced by a stage.
type Artifact struct {
	Kind string       `json:"kind"`
	Path string       `json:"path"`
	Meta ArtifactMeta `json:"meta"`
}

// Session is the durable document for one pipeline run. It is the unit of
// persistence: every mutation rewrites the whole document atomically.
type Session struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Input      InputParams       `json:"input"`
	Status     Status            `json:"status"`
	FinalPath  string            `json:"final_path,omitempty"`
	FinalError string            `json:"final_error,omitempty"`
	Stages     []StageRecord     `json:"stages"`
	Usage      map[string]*Usage `json:"usage,omitempty"`
	Artifacts  []Artifact        `json:"artifacts,omitempty"`
}

// SessionSummary is the read-only roll-up exposed to callers.
type SessionSummary struct {
	SessionID     string            `json:"session_id"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	Duration      time.Duration     `json:"duration"`
	Stages        []string          `json:"stages"`
	Usage         map[string]Usage  `json:"usage,omitempty"`
	ArtifactCount int               `json:"artifact_count"`
	ErrorCount    int               `json:"error_count"`
	FinalPath     string            `json:"final_path,omitempty"`
}
