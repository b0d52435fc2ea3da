package audit

import (
	"context"
	"fmt"
	"sync"
)

// JobHandle is the join primitive returned to every submitter of a job. It
// resolves exactly once, when the job reaches a terminal status. Multiple
// callers deduplicated onto the same job share one handle.
type JobHandle struct {
	jobID string

	once    sync.Once
	done    chan struct{}
	outcome JobOutcome
	err     error
}

// NewJobHandle creates an unresolved handle for the given job.
func NewJobHandle(jobID string) *JobHandle {
	return &JobHandle{
		jobID: jobID,
		done:  make(chan struct{}),
	}
}

// JobID returns the job this handle tracks.
func (h *JobHandle) JobID() string {
	return h.jobID
}

// Resolve records the terminal outcome and releases all waiters. Later calls
// are ignored; terminal state is immutable.
func (h *JobHandle) Resolve(outcome JobOutcome, err error) {
	h.once.Do(func() {
		h.outcome = outcome
		h.err = err
		close(h.done)
	})
}

// Done returns a channel closed when the job settles.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job settles or the context finishes.
func (h *JobHandle) Wait(ctx context.Context) (JobOutcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return JobOutcome{}, fmt.Errorf("wait for job %s: %w", h.jobID, ctx.Err())
	}
}

// Settled reports whether the handle already resolved.
func (h *JobHandle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
