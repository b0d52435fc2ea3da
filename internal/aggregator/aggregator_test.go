package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/storage/memory"
)

type fakeCatalog map[string]audit.RuleInfo

func (c fakeCatalog) Resolve(key string) (audit.RuleInfo, bool) {
	info, ok := c[key]
	return info, ok
}

func testCatalog() fakeCatalog {
	return fakeCatalog{
		"images.missing-alt":   {Key: "images.missing-alt", Severity: audit.SeveritySerious, Category: audit.CategoryAccessibility},
		"structure.missing-h1": {Key: "structure.missing-h1", Severity: audit.SeverityModerate, Category: audit.CategorySEO},
		"timing.slow-load":     {Key: "timing.slow-load", Severity: audit.SeveritySerious, Category: audit.CategoryPerformance},
	}
}

func TestMergeAllSucceeded(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	results := []audit.TaskResult{
		{Module: audit.ModuleStructure, Issues: []audit.Issue{
			{RuleKey: "structure.missing-h1", Module: audit.ModuleStructure, Severity: audit.SeverityModerate},
		}},
		{Module: audit.ModuleTiming},
	}

	outcome := agg.Merge("job-1", results)
	require.Equal(t, audit.JobStatusCompleted, outcome.Status)
	require.Empty(t, outcome.FailedModules)
	require.Len(t, outcome.Issues, 1)
	require.Equal(t, 97, outcome.Scores.Overall)
	require.Equal(t, 97, outcome.Scores.PerCategory[audit.CategorySEO])
	require.Equal(t, 100, outcome.Scores.PerCategory[audit.CategoryPerformance])
}

func TestMergeSomeFailed(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	results := []audit.TaskResult{
		{Module: audit.ModuleStructure},
		{Module: audit.ModuleTiming, TimedOut: true},
	}

	outcome := agg.Merge("job-1", results)
	require.Equal(t, audit.JobStatusCompletedWithErrors, outcome.Status)
	require.Equal(t, []audit.ModuleKind{audit.ModuleTiming}, outcome.FailedModules)
}

func TestMergeAllFailed(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	results := []audit.TaskResult{
		{Module: audit.ModuleStructure, Err: &audit.TaskError{Module: audit.ModuleStructure}},
		{Module: audit.ModuleTiming, TimedOut: true},
	}

	outcome := agg.Merge("job-1", results)
	require.Equal(t, audit.JobStatusFailed, outcome.Status)
	require.Len(t, outcome.FailedModules, 2)
}

func TestMergeIsOrderStable(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	results := []audit.TaskResult{
		{Module: audit.ModuleImages, Issues: []audit.Issue{
			{RuleKey: "images.missing-alt", Module: audit.ModuleImages, Severity: audit.SeveritySerious},
		}},
		{Module: audit.ModuleTiming, Issues: []audit.Issue{
			{RuleKey: "timing.slow-load", Module: audit.ModuleTiming, Severity: audit.SeveritySerious},
		}},
	}

	first := agg.Merge("job-1", results)
	second := agg.Merge("job-1", results)
	require.Equal(t, first, second)
	require.Equal(t, "images.missing-alt", first.Issues[0].RuleKey)
}

func TestScoreUsesCatalogCategory(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	// The images module emits this, but the rule scores as accessibility.
	scores := agg.Score([]audit.Issue{
		{RuleKey: "images.missing-alt", Module: audit.ModuleImages, Severity: audit.SeveritySerious},
	})
	require.Equal(t, 94, scores.PerCategory[audit.CategoryAccessibility])
	require.Equal(t, 100, scores.PerCategory[audit.CategoryPerformance])
	require.Equal(t, 94, scores.Overall)
}

func TestScoreFloorsAtZero(t *testing.T) {
	t.Parallel()

	agg := New(nil, nil, testCatalog(), zap.NewNop())
	issues := make([]audit.Issue, 0, 15)
	for i := 0; i < 15; i++ {
		issues = append(issues, audit.Issue{
			RuleKey:  "images.missing-alt",
			Module:   audit.ModuleImages,
			Severity: audit.SeverityCritical,
		})
	}
	scores := agg.Score(issues)
	require.Equal(t, 0, scores.Overall)
	require.Equal(t, 0, scores.PerCategory[audit.CategoryAccessibility])
}

func TestFinalizePersistsIssuesAndJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, audit.AnalysisJob{ID: "job-1", Status: audit.JobStatusAggregating}))

	agg := New(store, store, testCatalog(), zap.NewNop())
	outcome := audit.JobOutcome{
		JobID:  "job-1",
		Status: audit.JobStatusCompleted,
		Issues: []audit.Issue{
			{RuleKey: "structure.missing-h1", Module: audit.ModuleStructure, Severity: audit.SeverityModerate, Message: "no h1"},
		},
		Scores: audit.ScoreCard{Overall: 97},
	}
	require.NoError(t, agg.Finalize(ctx, outcome))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, job.Status)
	require.Equal(t, 97, job.Scores.Overall)

	issues, err := store.ListIssues(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
}

func TestFinalizeRecordsFailedModules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, audit.AnalysisJob{ID: "job-2", Status: audit.JobStatusAggregating}))

	agg := New(store, store, testCatalog(), zap.NewNop())
	outcome := audit.JobOutcome{
		JobID:         "job-2",
		Status:        audit.JobStatusCompletedWithErrors,
		FailedModules: []audit.ModuleKind{audit.ModuleTiming},
	}
	require.NoError(t, agg.Finalize(ctx, outcome))

	job, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "timing")
}

func TestModuleStateFor(t *testing.T) {
	t.Parallel()

	state := ModuleStateFor(audit.TaskResult{
		Module:   audit.ModuleSEO,
		Issues:   []audit.Issue{{RuleKey: "seo.noindex"}},
		Duration: 40 * time.Millisecond,
	})
	require.Equal(t, audit.ModuleStateSucceeded, state.Status)
	require.Equal(t, 1, state.IssueCount)

	state = ModuleStateFor(audit.TaskResult{Module: audit.ModuleSEO, TimedOut: true})
	require.Equal(t, audit.ModuleStateTimedOut, state.Status)

	state = ModuleStateFor(audit.TaskResult{
		Module: audit.ModuleSEO,
		Err:    &audit.TaskError{Module: audit.ModuleSEO, Err: context.DeadlineExceeded},
	})
	require.Equal(t, audit.ModuleStateFailed, state.Status)
	require.NotEmpty(t, state.ErrorText)
}
