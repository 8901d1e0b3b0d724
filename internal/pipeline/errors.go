package pipeline

import "fmt"

// ValidationError marks malformed input parameters or scene data. It is never
// retried: the orchestrator fails the session immediately.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ExternalServiceError marks an unreachable or failing collaborator (the
// generation backend, the LLM, or the crawler). Subject to the stage retry
// policy before it surfaces as the session's failure cause.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// stageError carries the failing stage name up to the run result so a failed
// run can always be correlated with its ledger entry.
type stageError struct {
	stage   string
	sceneID int
	err     error
}

func (e *stageError) Error() string {
	if e.sceneID > 0 {
		return fmt.Sprintf("stage %s (scene %d): %v", e.stage, e.sceneID, e.err)
	}
	return fmt.Sprintf("stage %s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}
