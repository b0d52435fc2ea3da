package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/aggregator"
	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/cache"
	"github.com/sitelens/sitelens/internal/id/uuid"
	pubmem "github.com/sitelens/sitelens/internal/publisher/memory"
	"github.com/sitelens/sitelens/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{}
	snap    audit.Snapshot
	snapSet bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, jobID, tenant, targetURL string) (audit.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audit.Snapshot{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}
	}
	if f.err != nil {
		return audit.Snapshot{}, f.err
	}
	if f.snapSet {
		return f.snap, nil
	}
	return audit.Snapshot{JobID: jobID, Tenant: tenant, URL: targetURL, StatusCode: 200}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	results []audit.TaskResult
}

func (r *fakeRunner) Run(_ context.Context, _ audit.Snapshot, modules []audit.ModuleKind) []audit.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.results != nil {
		return r.results
	}
	results := make([]audit.TaskResult, len(modules))
	for i, m := range modules {
		results[i] = audit.TaskResult{Module: m, Duration: 10 * time.Millisecond}
	}
	return results
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	orch      *Orchestrator
	store     *memory.JobStore
	fetcher   *fakeFetcher
	runner    *fakeRunner
	publisher *pubmem.Publisher
}

type catalogStub struct{}

func (catalogStub) Resolve(key string) (audit.RuleInfo, bool) {
	return audit.RuleInfo{Key: key, Severity: audit.SeverityModerate}, true
}

func newFixture(t *testing.T, cfg Config, fetcher *fakeFetcher, runner *fakeRunner) *fixture {
	t.Helper()
	store := memory.NewJobStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	publisher := pubmem.New()
	agg := aggregator.New(store, store, catalogStub{}, zap.NewNop())
	dedup := cache.New(time.Hour, clock, zap.NewNop())
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "analysis.completed"
	}
	orch := New(cfg, store, store, fetcher, runner, agg, dedup, publisher, nil,
		clock, uuid.NewUUIDGenerator(), zap.NewNop())
	return &fixture{orch: orch, store: store, fetcher: fetcher, runner: runner, publisher: publisher}
}

func wait(t *testing.T, handle *audit.JobHandle) (audit.JobOutcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{}, &fakeFetcher{}, &fakeRunner{})

	_, err := fx.orch.Submit(context.Background(), audit.Submission{TargetURL: ""})
	require.Error(t, err)

	_, err = fx.orch.Submit(context.Background(), audit.Submission{
		TargetURL: "https://example.com",
		Modules:   []audit.ModuleKind{"made-up"},
	})
	require.ErrorIs(t, err, audit.ErrUnknownModule)
}

func TestHappyPathCompletes(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []audit.TaskResult{
		{Module: audit.ModuleSEO, Issues: []audit.Issue{
			{RuleKey: "seo.missing-canonical", Module: audit.ModuleSEO, Severity: audit.SeverityMinor, Message: "no canonical"},
		}},
		{Module: audit.ModuleStructure},
	}}
	fx := newFixture(t, Config{}, &fakeFetcher{}, runner)

	handle, err := fx.orch.Submit(context.Background(), audit.Submission{
		TargetURL: "https://example.com",
		Modules:   []audit.ModuleKind{audit.ModuleSEO, audit.ModuleStructure},
		Tenant:    "acme",
	})
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, outcome.Status)
	require.Len(t, outcome.Issues, 1)
	require.Equal(t, 99, outcome.Scores.Overall)

	job, err := fx.store.GetJob(context.Background(), handle.JobID())
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, job.Status)
	require.Equal(t, audit.ModuleStateSucceeded, job.ModuleStates[audit.ModuleSEO].Status)

	issues, err := fx.store.ListIssues(context.Background(), handle.JobID())
	require.NoError(t, err)
	require.Len(t, issues, 1)

	msgs := fx.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "analysis.completed", msgs[0].Topic)
}

func TestRepeatSubmissionHitsCache(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	fx := newFixture(t, Config{}, fetcher, &fakeRunner{})

	sub := audit.Submission{TargetURL: "https://example.com", Modules: []audit.ModuleKind{audit.ModuleSEO}}
	first, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	firstOutcome, err := wait(t, first)
	require.NoError(t, err)

	second, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	require.True(t, second.Settled(), "cache hit resolves immediately")
	secondOutcome, err := wait(t, second)
	require.NoError(t, err)

	require.Equal(t, firstOutcome.JobID, secondOutcome.JobID)
	require.Equal(t, 1, fetcher.callCount(), "no second pipeline runs")
}

func TestConcurrentSubmissionsShareOnePipeline(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{block: make(chan struct{})}
	fx := newFixture(t, Config{}, fetcher, &fakeRunner{})

	sub := audit.Submission{TargetURL: "https://example.com", Modules: []audit.ModuleKind{audit.ModuleSEO}}
	owner, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fetcher.callCount() == 1 },
		time.Second, 5*time.Millisecond, "pipeline reaches the fetch stage")

	var joined []*audit.JobHandle
	for i := 0; i < 4; i++ {
		h, err := fx.orch.Submit(context.Background(), sub)
		require.NoError(t, err)
		joined = append(joined, h)
	}
	for _, h := range joined {
		require.Same(t, owner, h, "joiners share the owner's handle")
	}

	close(fetcher.block)
	outcome, err := wait(t, owner)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, outcome.Status)
	require.Equal(t, 1, fetcher.callCount())
}

func TestFatalFetchFailsJobWithZeroTasks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: fmt.Errorf("resolve host: %w", audit.ErrFetchNavigation)}
	runner := &fakeRunner{}
	fx := newFixture(t, Config{}, fetcher, runner)

	sub := audit.Submission{TargetURL: "https://unreachable.example", Modules: []audit.ModuleKind{audit.ModuleSEO}}
	handle, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.Error(t, err)
	require.ErrorIs(t, err, audit.ErrFetchNavigation)
	require.Equal(t, audit.JobStatusFailed, outcome.Status)
	require.Equal(t, 0, runner.callCount(), "no analyzer tasks start")

	job, getErr := fx.store.GetJob(context.Background(), handle.JobID())
	require.NoError(t, getErr)
	require.Equal(t, audit.JobStatusFailed, job.Status)
	require.NotEmpty(t, job.ErrorText)

	// The reservation is gone: the next submission owns a fresh pipeline.
	fetcher.err = nil
	retry, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	retryOutcome, err := wait(t, retry)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, retryOutcome.Status)
	require.NotEqual(t, handle.JobID(), retry.JobID())
}

func TestFailedModuleYieldsCompletedWithErrors(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []audit.TaskResult{
		{Module: audit.ModuleSEO, Issues: []audit.Issue{
			{RuleKey: "seo.noindex", Module: audit.ModuleSEO, Severity: audit.SeveritySerious, Message: "noindex"},
		}},
		{Module: audit.ModuleTiming, Err: &audit.TaskError{Module: audit.ModuleTiming, Err: errors.New("module panic: boom")}},
	}}
	fx := newFixture(t, Config{}, &fakeFetcher{}, runner)

	handle, err := fx.orch.Submit(context.Background(), audit.Submission{
		TargetURL: "https://example.com",
		Modules:   []audit.ModuleKind{audit.ModuleSEO, audit.ModuleTiming},
	})
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompletedWithErrors, outcome.Status)
	require.Equal(t, []audit.ModuleKind{audit.ModuleTiming}, outcome.FailedModules)
	require.Len(t, outcome.Issues, 1, "issues from healthy modules survive")

	job, err := fx.store.GetJob(context.Background(), handle.JobID())
	require.NoError(t, err)
	require.Equal(t, audit.ModuleStateFailed, job.ModuleStates[audit.ModuleTiming].Status)
}

func TestAllModulesFailedReleasesCacheKey(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []audit.TaskResult{
		{Module: audit.ModuleSEO, TimedOut: true},
	}}
	fx := newFixture(t, Config{}, &fakeFetcher{}, runner)

	sub := audit.Submission{TargetURL: "https://example.com", Modules: []audit.ModuleKind{audit.ModuleSEO}}
	handle, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusFailed, outcome.Status)

	// FAILED must not serve future submissions from the cache.
	runner.mu.Lock()
	runner.results = []audit.TaskResult{{Module: audit.ModuleSEO}}
	runner.mu.Unlock()
	retry, err := fx.orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	retryOutcome, err := wait(t, retry)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, retryOutcome.Status)
}

func TestJobCeilingCancelsStuckFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{block: make(chan struct{})} // never closed
	fx := newFixture(t, Config{JobCeiling: 150 * time.Millisecond, FetchBudget: 100 * time.Millisecond}, fetcher, &fakeRunner{})

	handle, err := fx.orch.Submit(context.Background(), audit.Submission{
		TargetURL: "https://slow.example",
		Modules:   []audit.ModuleKind{audit.ModuleSEO},
	})
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, audit.JobStatusFailed, outcome.Status)
}

func TestEmptyModuleListRunsAll(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	fx := newFixture(t, Config{}, &fakeFetcher{}, runner)

	handle, err := fx.orch.Submit(context.Background(), audit.Submission{TargetURL: "https://example.com"})
	require.NoError(t, err)

	outcome, err := wait(t, handle)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, outcome.Status)

	job, err := fx.store.GetJob(context.Background(), handle.JobID())
	require.NoError(t, err)
	require.Len(t, job.Request.Modules, len(audit.AllModules()))
}
