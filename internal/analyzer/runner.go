package analyzer

import (
	"context"

	"github.com/sitelens/sitelens/internal/audit"
)

// Runner couples the pool with the blob store so callers hand over a snapshot
// and get settled results back.
type Runner struct {
	pool  *Pool
	blobs audit.BlobStore
}

// NewRunner builds a runner.
func NewRunner(pool *Pool, blobs audit.BlobStore) *Runner {
	return &Runner{pool: pool, blobs: blobs}
}

// Run loads the analyzer source and executes the requested modules. If the
// source cannot be loaded at all, every module settles as failed; the job
// still aggregates instead of hanging.
func (r *Runner) Run(ctx context.Context, snap audit.Snapshot, modules []audit.ModuleKind) []audit.TaskResult {
	src, err := LoadSource(ctx, r.blobs, snap)
	if err != nil {
		results := make([]audit.TaskResult, len(modules))
		for i, module := range modules {
			results[i] = audit.TaskResult{
				Module: module,
				Err:    &audit.TaskError{Module: module, Err: err},
			}
		}
		return results
	}
	return r.pool.RunAll(ctx, modules, src)
}
