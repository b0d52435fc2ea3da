package audit

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrFetchTimeout means a mandatory fetch sub-step exceeded its budget.
	ErrFetchTimeout = errors.New("fetch timed out")
	// ErrFetchNavigation means the target could not be navigated to at all
	// (DNS failure, refused connection, bad TLS). Fatal for the job.
	ErrFetchNavigation = errors.New("navigation failed")
	// ErrJobNotFound is returned by stores for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrUnknownModule is returned when a submission names a module the
	// registry does not map.
	ErrUnknownModule = errors.New("unknown analyzer module")
	// ErrQueueClosed is returned by queue implementations once the queue is
	// closed and drained. Consumers treat it as shutdown, not failure.
	ErrQueueClosed = errors.New("queue is closed")
)

// TaskError wraps a failure isolated to a single analyzer module.
type TaskError struct {
	Module ModuleKind
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Module, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// PersistenceError marks a storage or database write that kept failing after
// bounded retries. It escalates to a job-level error instead of silently
// marking the job complete.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsFatalFetch reports whether the fetch error must fail the whole job.
// Degraded best-effort artifacts never surface as errors at all; anything the
// fetcher returns is fatal by construction, but callers still distinguish
// navigation failures from budget exhaustion for reporting.
func IsFatalFetch(err error) bool {
	return errors.Is(err, ErrFetchNavigation) || errors.Is(err, ErrFetchTimeout)
}
