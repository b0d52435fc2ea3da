// Package dispatcher fans queue submissions out to the orchestrator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
)

// Submitter accepts a submission and returns its join handle.
type Submitter interface {
	Submit(ctx context.Context, sub audit.Submission) (*audit.JobHandle, error)
}

// Dispatcher runs a pool of workers that drain the submission queue. Each
// worker submits to the orchestrator and waits for the job to settle before
// taking the next message, so queue concurrency bounds pipeline concurrency.
type Dispatcher struct {
	queue     audit.Queue
	submitter Submitter
	workers   int
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(queue audit.Queue, submitter Submitter, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		submitter: submitter,
		workers:   workers,
		logger:    logger,
	}
}

// Run starts the workers and blocks until the context finishes and every
// worker drains out.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	var backoff time.Duration
	for {
		sub, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, audit.ErrQueueClosed) {
				return
			}
			// Transient transport failure. The worker stays alive and
			// retries; a dead consumer pool behind a live HTTP server
			// would silently strand every queued submission.
			switch {
			case backoff == 0:
				backoff = 100 * time.Millisecond
			case backoff < 5*time.Second:
				backoff *= 2
			}
			logger.Warn("dequeue submission",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		d.handle(ctx, logger, sub)
	}
}

func (d *Dispatcher) handle(ctx context.Context, logger *zap.Logger, sub audit.Submission) {
	handle, err := d.submitter.Submit(ctx, sub)
	if err != nil {
		logger.Warn("reject submission",
			zap.String("target_url", sub.TargetURL),
			zap.Error(err))
		return
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		logger.Warn("job settled with error",
			zap.String("job_id", handle.JobID()),
			zap.Error(err))
		return
	}
	logger.Info("job settled",
		zap.String("job_id", outcome.JobID),
		zap.String("status", string(outcome.Status)),
		zap.Int("issues", len(outcome.Issues)))
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, sub audit.Submission) error {
	if err := d.queue.Enqueue(ctx, sub); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
