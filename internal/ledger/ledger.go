// Package ledger is the append-only, session-scoped record of cost, timing,
// artifacts and per-stage outcomes for pipeline runs. Each session persists as
// one JSON document under <workdir>/sessions/<id>/ledger.json, rewritten
// atomically on every mutation so a crash loses at most the in-flight write.
//
// Concurrent sessions are independent. Within one session, mutations are
// serialized behind a per-session mutex even when stage executors run
// concurrently, which keeps the audit trail consistent.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrUnknownSession is returned for any mutating call referencing a session
// id that was never started or has already ended.
var ErrUnknownSession = errors.New("unknown or closed session")

// ledgerFile is the document name inside each session directory.
const ledgerFile = "ledger.json"

type entry struct {
	mu      sync.Mutex
	session *Session
	open    bool
}

// Ledger tracks sessions and persists their documents.
type Ledger struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*entry
}

// Open creates (if needed) the sessions directory under workDir and reloads
// any previously persisted session documents, so summaries span restarts.
// Reloaded sessions are closed: they can be summarized but not mutated.
func Open(workDir string) (*Ledger, error) {
	dir := filepath.Join(workDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	l := &Ledger{dir: dir, entries: make(map[string]*entry)}

	dirs, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(dir, d.Name(), ledgerFile)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unparseable session document")
			continue
		}
		l.entries[s.ID] = &entry{session: &s}
	}

	log.Debug().Int("sessions", len(l.entries)).Str("dir", dir).Msg("Ledger opened")
	return l, nil
}

// StartSession allocates a new session, creates its directory, persists the
// initial document, and returns the session id.
func (l *Ledger) StartSession(input InputParams) (string, error) {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Input:     input,
		Status:    StatusRunning,
		Usage:     make(map[string]*Usage),
	}

	if err := os.MkdirAll(l.SessionDir(s.ID), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	if err := l.persist(s); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.entries[s.ID] = &entry{session: s, open: true}
	l.mu.Unlock()

	log.Info().Str("sessionId", s.ID).Msg("Session started")
	return s.ID, nil
}

// SessionDir returns the artifact directory for a session.
func (l *Ledger) SessionDir(sessionID string) string {
	return filepath.Join(l.dir, sessionID)
}

// RecordStage appends a stage record to an open session.
func (l *Ledger) RecordStage(sessionID string, rec StageRecord) error {
	return l.mutate(sessionID, func(s *Session) {
		s.Stages = append(s.Stages, rec)
	})
}

// RecordUsage accumulates token/cost counters for the given model.
func (l *Ledger) RecordUsage(sessionID, model string, usage Usage) error {
	return l.mutate(sessionID, func(s *Session) {
		if s.Usage == nil {
			s.Usage = make(map[string]*Usage)
		}
		u, ok := s.Usage[model]
		if !ok {
			u = &Usage{}
			s.Usage[model] = u
		}
		u.Add(usage)
	})
}

// RecordArtifact registers a produced file.
func (l *Ledger) RecordArtifact(sessionID, kind, path string, meta ArtifactMeta) error {
	return l.mutate(sessionID, func(s *Session) {
		s.Artifacts = append(s.Artifacts, Artifact{Kind: kind, Path: path, Meta: meta})
	})
}

// EndSession marks the session terminal and persists the final state. After
// this call every further mutation fails with ErrUnknownSession.
func (l *Ledger) EndSession(sessionID string, status Status, finalPath, finalErr string) error {
	e, err := l.openEntry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	e.session.Status = status
	e.session.FinalPath = finalPath
	e.session.FinalError = finalErr
	e.open = false

	if err := l.persist(e.session); err != nil {
		return err
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("status", string(status)).
		Msg("Session ended")
	return nil
}

// Summarize rolls up one session. Unlike the mutating calls it also works for
// closed and reloaded sessions; only a never-seen id is an error.
func (l *Ledger) Summarize(sessionID string) (*SessionSummary, error) {
	l.mu.RLock()
	e, ok := l.entries[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return summarize(e.session), nil
}

// SummarizeAll returns one summary per known session, oldest first.
func (l *Ledger) SummarizeAll() []*SessionSummary {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]*SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, summarize(e.session))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func summarize(s *Session) *SessionSummary {
	sum := &SessionSummary{
		SessionID:     s.ID,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		ArtifactCount: len(s.Artifacts),
		FinalPath:     s.FinalPath,
	}

	seen := make(map[string]bool)
	for _, rec := range s.Stages {
		if !seen[rec.Stage] {
			seen[rec.Stage] = true
			sum.Stages = append(sum.Stages, rec.Stage)
		}
		if !rec.Success {
			sum.ErrorCount++
		}
	}
	if n := len(s.Stages); n > 0 {
		sum.Duration = s.Stages[n-1].EndedAt.Sub(s.Stages[0].StartedAt)
	}
	if len(s.Usage) > 0 {
		sum.Usage = make(map[string]Usage, len(s.Usage))
		for model, u := range s.Usage {
			sum.Usage[model] = *u
		}
	}
	return sum
}

// mutate applies fn to an open session under its writer lock and persists the
// updated document before returning.
func (l *Ledger) mutate(sessionID string, fn func(*Session)) error {
	e, err := l.openEntry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	fn(e.session)
	return l.persist(e.session)
}

func (l *Ledger) openEntry(sessionID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return e, nil
}

// persist writes the session document atomically: marshal to a temp file in
// the same directory, then rename over the target, so the document on disk is
// always parseable.
func (l *Ledger) persist(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	dir := l.SessionDir(s.ID)
	tmp, err := os.CreateTemp(dir, ledgerFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close ledger file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, ledgerFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
