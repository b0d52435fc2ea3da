package analyzer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Func is one module's check implementation. It must treat src as read-only
// and return issues whose rule keys resolve in the catalog.
type Func func(ctx context.Context, src *Source) ([]audit.Issue, error)

// registry maps every module kind to its implementation at compile time.
// A submission naming anything else is rejected before a job is created.
var registry = map[audit.ModuleKind]Func{
	audit.ModuleContrast:  CheckContrast,
	audit.ModuleForms:     CheckForms,
	audit.ModuleStructure: CheckStructure,
	audit.ModuleSEO:       CheckSEO,
	audit.ModuleImages:    CheckImages,
	audit.ModuleTiming:    CheckTiming,
}

// Lookup returns the implementation for a module kind.
func Lookup(m audit.ModuleKind) (Func, error) {
	fn, ok := registry[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", audit.ErrUnknownModule, m)
	}
	return fn, nil
}

// PoolConfig sets per-category concurrency and the per-task deadline.
type PoolConfig struct {
	AccessibilityWorkers int
	SEOWorkers           int
	PerformanceWorkers   int
	TaskTimeout          time.Duration
}

// Pool schedules module tasks onto category-scoped worker slots so heavy
// performance checks cannot starve the cheap DOM ones. Every task settles
// exactly once: with issues, an error, or a timeout.
type Pool struct {
	semaphores map[audit.Category]chan struct{}
	timeout    time.Duration
	catalog    audit.RuleCatalog
	logger     *zap.Logger
}

// NewPool builds the category pools.
func NewPool(cfg PoolConfig, catalog audit.RuleCatalog, logger *zap.Logger) *Pool {
	if cfg.AccessibilityWorkers <= 0 {
		cfg.AccessibilityWorkers = 2
	}
	if cfg.SEOWorkers <= 0 {
		cfg.SEOWorkers = 2
	}
	if cfg.PerformanceWorkers <= 0 {
		cfg.PerformanceWorkers = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		semaphores: map[audit.Category]chan struct{}{
			audit.CategoryAccessibility: make(chan struct{}, cfg.AccessibilityWorkers),
			audit.CategorySEO:           make(chan struct{}, cfg.SEOWorkers),
			audit.CategoryPerformance:   make(chan struct{}, cfg.PerformanceWorkers),
		},
		timeout: cfg.TaskTimeout,
		catalog: catalog,
		logger:  logger,
	}
}

// RunAll executes the requested modules concurrently and joins every task.
// The slice always has one settled result per requested module, in request
// order. A cancelled ctx surfaces as timed-out results, never a partial join.
func (p *Pool) RunAll(ctx context.Context, modules []audit.ModuleKind, src *Source) []audit.TaskResult {
	results := make([]audit.TaskResult, len(modules))
	var wg sync.WaitGroup
	for i, module := range modules {
		wg.Add(1)
		go func(i int, module audit.ModuleKind) {
			defer wg.Done()
			results[i] = p.runOne(ctx, module, src)
		}(i, module)
	}
	wg.Wait()
	return results
}

func (p *Pool) runOne(ctx context.Context, module audit.ModuleKind, src *Source) audit.TaskResult {
	start := time.Now()
	sem := p.semaphores[audit.ModuleCategory(module)]

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return audit.TaskResult{Module: module, TimedOut: true, Duration: time.Since(start)}
	}
	defer func() { <-sem }()

	pool := string(audit.ModuleCategory(module))
	metrics.IncActiveWorkers(pool)
	defer metrics.DecActiveWorkers(pool)

	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	issues, err := p.invoke(taskCtx, module, src)
	result := audit.TaskResult{
		Module:   module,
		Duration: time.Since(start),
	}
	switch {
	case err != nil && taskCtx.Err() != nil:
		result.TimedOut = true
		metrics.ObserveAnalyzerTask(string(module), "timed_out", result.Duration)
	case err != nil:
		result.Err = &audit.TaskError{Module: module, Err: err}
		metrics.ObserveAnalyzerTask(string(module), "failed", result.Duration)
	default:
		result.Issues = p.validated(module, issues)
		metrics.ObserveAnalyzerTask(string(module), "succeeded", result.Duration)
	}
	return result
}

// invoke calls the module behind a panic barrier. A panicking module settles
// as a failed task and never takes the process down.
func (p *Pool) invoke(ctx context.Context, module audit.ModuleKind, src *Source) (issues []audit.Issue, err error) {
	fn, lookupErr := Lookup(module)
	if lookupErr != nil {
		return nil, lookupErr
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("analyzer module panicked",
				zap.String("module", string(module)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("module panic: %v", r)
		}
	}()
	return fn(ctx, src)
}

// validated drops issues whose rule key the catalog cannot resolve and fills
// the catalog severity where the module left it empty.
func (p *Pool) validated(module audit.ModuleKind, issues []audit.Issue) []audit.Issue {
	if p.catalog == nil {
		return issues
	}
	kept := issues[:0]
	for _, issue := range issues {
		info, ok := p.catalog.Resolve(issue.RuleKey)
		if !ok {
			metrics.ObserveDroppedIssue()
			p.logger.Warn("drop issue with unknown rule key",
				zap.String("module", string(module)),
				zap.String("rule_key", issue.RuleKey))
			continue
		}
		if issue.Severity == "" {
			issue.Severity = info.Severity
		}
		if issue.Module == "" {
			issue.Module = module
		}
		kept = append(kept, issue)
	}
	return kept
}
