// Package orchestrator drives one analysis job through fetch, analyze, and
// aggregate, and owns every lifecycle transition.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/aggregator"
	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/cache"
	"github.com/sitelens/sitelens/internal/events"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Fetcher renders a page and persists its snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, jobID, tenant, targetURL string) (audit.Snapshot, error)
}

// TaskRunner executes analyzer modules over a snapshot and joins them all.
type TaskRunner interface {
	Run(ctx context.Context, snap audit.Snapshot, modules []audit.ModuleKind) []audit.TaskResult
}

// Finalizer merges task results and persists the terminal record.
type Finalizer interface {
	Merge(jobID string, results []audit.TaskResult) audit.JobOutcome
	Finalize(ctx context.Context, outcome audit.JobOutcome) error
}

// Config bounds the pipeline.
type Config struct {
	// JobCeiling is the hard wall-clock budget for one job.
	JobCeiling time.Duration
	// FetchBudget bounds the fetch stage within the job ceiling.
	FetchBudget time.Duration
	// CompletionTopic receives a message for every terminal job.
	CompletionTopic string
}

// Orchestrator accepts submissions, deduplicates them through the cache, and
// runs the owning pipeline for reserved keys.
type Orchestrator struct {
	cfg       Config
	jobs      audit.JobStore
	issues    audit.IssueStore
	fetcher   Fetcher
	runner    TaskRunner
	finalizer Finalizer
	cache     *cache.Cache
	publisher audit.Publisher
	hub       events.Emitter
	clock     audit.Clock
	ids       audit.IDGenerator
	retries   *audit.ExponentialRetryPolicy
	logger    *zap.Logger
}

// New wires an orchestrator.
func New(
	cfg Config,
	jobs audit.JobStore,
	issues audit.IssueStore,
	fetcher Fetcher,
	runner TaskRunner,
	finalizer Finalizer,
	dedup *cache.Cache,
	publisher audit.Publisher,
	hub events.Emitter,
	clock audit.Clock,
	ids audit.IDGenerator,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.JobCeiling <= 0 {
		cfg.JobCeiling = 5 * time.Minute
	}
	if cfg.FetchBudget <= 0 || cfg.FetchBudget > cfg.JobCeiling {
		cfg.FetchBudget = cfg.JobCeiling / 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		jobs:      jobs,
		issues:    issues,
		fetcher:   fetcher,
		runner:    runner,
		finalizer: finalizer,
		cache:     dedup,
		publisher: publisher,
		hub:       hub,
		clock:     clock,
		ids:       ids,
		retries:   audit.NewExponentialRetryPolicy(),
		logger:    logger,
	}
}

// Submit validates a submission and returns a handle that settles when the
// job (owned, joined, or already cached) reaches a terminal state. The
// pipeline itself runs detached from the caller's context.
func (o *Orchestrator) Submit(ctx context.Context, sub audit.Submission) (*audit.JobHandle, error) {
	normalized, err := audit.NormalizeURL(sub.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	modules := sub.Modules
	if len(modules) == 0 {
		modules = audit.AllModules()
	}
	for _, m := range modules {
		if !audit.KnownModule(m) {
			return nil, fmt.Errorf("invalid submission: %w: %s", audit.ErrUnknownModule, m)
		}
	}

	jobID := sub.JobID
	if jobID == "" {
		jobID, err = o.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
	}

	request := audit.AnalysisRequest{
		TargetURL: normalized,
		Modules:   modules,
		Freshness: time.Duration(sub.FreshnessSeconds) * time.Second,
		Tenant:    sub.Tenant,
	}
	key := audit.CacheKey(normalized, modules)
	handle := audit.NewJobHandle(jobID)

	result := o.cache.LookupOrReserve(key, request.Freshness, handle)
	switch result.Outcome {
	case cache.OutcomeHit:
		o.emit(events.Event{JobID: result.JobID, TS: o.clock.Now(), Kind: events.KindCacheHit, Site: metrics.SanitizeSite(normalized)})
		return o.resolveFromStore(ctx, result.JobID)
	case cache.OutcomeJoined:
		o.emit(events.Event{JobID: result.Handle.JobID(), TS: o.clock.Now(), Kind: events.KindCacheJoin, Site: metrics.SanitizeSite(normalized)})
		return result.Handle, nil
	}

	job := audit.AnalysisJob{
		ID:        jobID,
		Request:   request,
		Status:    audit.JobStatusPending,
		Submitted: o.clock.Now(),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		o.cache.Release(key)
		return nil, fmt.Errorf("create job: %w", err)
	}
	o.emit(events.Event{JobID: jobID, TS: o.clock.Now(), Kind: events.KindJobAccepted, Site: metrics.SanitizeSite(normalized)})

	go o.runPipeline(key, job, handle)
	return handle, nil
}

// resolveFromStore builds an already-settled handle from a cached job's
// persisted record.
func (o *Orchestrator) resolveFromStore(ctx context.Context, jobID string) (*audit.JobHandle, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load cached job %s: %w", jobID, err)
	}
	issues, err := o.issues.ListIssues(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load cached issues %s: %w", jobID, err)
	}

	outcome := audit.JobOutcome{
		JobID:  jobID,
		Status: job.Status,
		Issues: issues,
	}
	if job.Scores != nil {
		outcome.Scores = *job.Scores
	}
	handle := audit.NewJobHandle(jobID)
	handle.Resolve(outcome, nil)
	return handle, nil
}

// runPipeline owns one reserved key end to end. It never inherits the
// submitter's context: joined callers may disconnect while the job runs.
func (o *Orchestrator) runPipeline(key string, job audit.AnalysisJob, handle *audit.JobHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.JobCeiling)
	defer cancel()

	start := o.clock.Now()
	outcome, err := o.execute(ctx, job)
	elapsed := o.clock.Now().Sub(start)

	// Terminal writes get their own context: the job ceiling may already
	// have expired, and the terminal record must still land.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cleanupCancel()

	if err != nil {
		o.cache.Release(key)
		o.failJob(cleanupCtx, job.ID, err)
		outcome = audit.JobOutcome{JobID: job.ID, Status: audit.JobStatusFailed}
		metrics.ObserveJob(string(audit.JobStatusFailed))
		o.emit(events.Event{JobID: job.ID, TS: o.clock.Now(), Kind: events.KindJobFailed, Dur: elapsed, Note: err.Error()})
		o.publishCompletion(cleanupCtx, outcome)
		handle.Resolve(outcome, err)
		return
	}

	if outcome.Status == audit.JobStatusFailed {
		o.cache.Release(key)
		o.emit(events.Event{JobID: job.ID, TS: o.clock.Now(), Kind: events.KindJobFailed, Dur: elapsed, Note: "all modules failed"})
	} else {
		o.cache.Commit(key, job.ID)
		o.emit(events.Event{JobID: job.ID, TS: o.clock.Now(), Kind: events.KindJobDone, Dur: elapsed})
	}
	metrics.ObserveJob(string(outcome.Status))
	o.publishCompletion(cleanupCtx, outcome)
	handle.Resolve(outcome, nil)
}

// execute runs the three stages. Any returned error is fatal for the job.
func (o *Orchestrator) execute(ctx context.Context, job audit.AnalysisJob) (audit.JobOutcome, error) {
	// Fetch.
	if err := o.transition(ctx, job.ID, audit.JobStatusFetching); err != nil {
		return audit.JobOutcome{}, err
	}
	fetchStart := o.clock.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchBudget)
	snap, err := o.fetcher.Fetch(fetchCtx, job.ID, job.Request.Tenant, job.Request.TargetURL)
	cancel()
	metrics.ObserveStage("fetching", o.clock.Now().Sub(fetchStart))
	if err != nil {
		// Fatal fetch: the job fails with zero analyzer tasks.
		return audit.JobOutcome{}, fmt.Errorf("fetch stage: %w", err)
	}

	// Analyze.
	if err := o.transition(ctx, job.ID, audit.JobStatusAnalyzing); err != nil {
		return audit.JobOutcome{}, err
	}
	for _, module := range job.Request.Modules {
		o.recordModuleState(ctx, job.ID, module, audit.ModuleState{Status: audit.ModuleStateScheduled})
	}
	analyzeStart := o.clock.Now()
	results := o.runner.Run(ctx, snap, job.Request.Modules)
	metrics.ObserveStage("analyzing", o.clock.Now().Sub(analyzeStart))
	for _, result := range results {
		o.recordModuleState(ctx, job.ID, result.Module, aggregator.ModuleStateFor(result))
		o.emit(events.Event{
			JobID:  job.ID,
			TS:     o.clock.Now(),
			Kind:   events.KindModuleDone,
			Module: result.Module,
			Dur:    result.Duration,
		})
	}

	// Aggregate.
	if err := o.transition(ctx, job.ID, audit.JobStatusAggregating); err != nil {
		return audit.JobOutcome{}, err
	}
	aggStart := o.clock.Now()
	outcome := o.finalizer.Merge(job.ID, results)
	if err := o.finalizer.Finalize(ctx, outcome); err != nil {
		return audit.JobOutcome{}, fmt.Errorf("aggregate stage: %w", err)
	}
	metrics.ObserveStage("aggregating", o.clock.Now().Sub(aggStart))
	return outcome, nil
}

func (o *Orchestrator) transition(ctx context.Context, jobID string, status audit.JobStatus) error {
	err := audit.Retry(ctx, o.retries, "update status", func(ctx context.Context) error {
		return o.jobs.UpdateJobStatus(ctx, jobID, status, "")
	})
	if err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	o.emit(events.Event{JobID: jobID, TS: o.clock.Now(), Kind: events.KindStageEnter, Stage: status})
	return nil
}

// failJob finalizes the terminal FAILED record. Best effort: if even this
// write fails the handle still resolves with the original error.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) {
	err := audit.Retry(ctx, o.retries, "finalize failed job", func(ctx context.Context) error {
		return o.jobs.FinalizeJob(ctx, jobID, audit.JobStatusFailed, cause.Error(), audit.ScoreCard{})
	})
	if err != nil {
		o.logger.Error("record job failure",
			zap.String("job_id", jobID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func (o *Orchestrator) recordModuleState(ctx context.Context, jobID string, module audit.ModuleKind, state audit.ModuleState) {
	if err := o.jobs.UpdateModuleState(ctx, jobID, module, state); err != nil {
		o.logger.Warn("update module state",
			zap.String("job_id", jobID),
			zap.String("module", string(module)),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishCompletion(ctx context.Context, outcome audit.JobOutcome) {
	if o.publisher == nil || o.cfg.CompletionTopic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, outcome); err != nil {
		o.logger.Warn("publish completion",
			zap.String("job_id", outcome.JobID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt events.Event) {
	if o.hub != nil {
		o.hub.Emit(evt)
	}
}
