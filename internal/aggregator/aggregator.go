// Package aggregator merges settled analyzer tasks into the final job record.
package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
)

// Aggregator is the only writer of terminal job state. It merges task
// results, derives scores, persists issues, and finalizes the job row.
type Aggregator struct {
	jobs    audit.JobStore
	issues  audit.IssueStore
	catalog audit.RuleCatalog
	retries *audit.ExponentialRetryPolicy
	logger  *zap.Logger
}

// New builds an aggregator.
func New(jobs audit.JobStore, issues audit.IssueStore, catalog audit.RuleCatalog, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		jobs:    jobs,
		issues:  issues,
		catalog: catalog,
		retries: audit.NewExponentialRetryPolicy(),
		logger:  logger,
	}
}

// Merge folds task results into a job outcome. Issue order follows the task
// order handed in, so merging is stable for a given request.
func (a *Aggregator) Merge(jobID string, results []audit.TaskResult) audit.JobOutcome {
	outcome := audit.JobOutcome{JobID: jobID}
	for _, result := range results {
		if result.Failed() {
			outcome.FailedModules = append(outcome.FailedModules, result.Module)
			continue
		}
		outcome.Issues = append(outcome.Issues, result.Issues...)
	}
	outcome.Scores = a.Score(outcome.Issues)
	outcome.Status = terminalStatus(len(results), len(outcome.FailedModules))
	return outcome
}

// terminalStatus maps failure counts to the job's terminal state.
func terminalStatus(total, failed int) audit.JobStatus {
	switch {
	case failed == 0:
		return audit.JobStatusCompleted
	case failed < total:
		return audit.JobStatusCompletedWithErrors
	default:
		return audit.JobStatusFailed
	}
}

// Score converts the merged issue set into severity-weighted scores. Each
// category starts at 100 and loses the weight of every issue assigned to it;
// the overall score applies all weights to one budget. Scores floor at zero.
func (a *Aggregator) Score(issues []audit.Issue) audit.ScoreCard {
	perCategory := map[audit.Category]int{
		audit.CategoryAccessibility: 100,
		audit.CategorySEO:           100,
		audit.CategoryPerformance:   100,
	}
	overall := 100
	for _, issue := range issues {
		weight := issue.Severity.Weight()
		perCategory[a.categoryOf(issue)] -= weight
		overall -= weight
	}
	for cat, score := range perCategory {
		if score < 0 {
			perCategory[cat] = 0
		}
	}
	if overall < 0 {
		overall = 0
	}
	return audit.ScoreCard{Overall: overall, PerCategory: perCategory}
}

// categoryOf prefers the catalog's category for the rule; the module's own
// category is the fallback. The distinction matters for rules like image alt
// text, which the images module emits but which scores as accessibility.
func (a *Aggregator) categoryOf(issue audit.Issue) audit.Category {
	if a.catalog != nil {
		if info, ok := a.catalog.Resolve(issue.RuleKey); ok && info.Category != "" {
			return info.Category
		}
	}
	return audit.ModuleCategory(issue.Module)
}

// Finalize persists the outcome: issues first, then the terminal job row.
// Persistence failures after retries escalate so the job fails loudly instead
// of landing in a half-written completed state.
func (a *Aggregator) Finalize(ctx context.Context, outcome audit.JobOutcome) error {
	if len(outcome.Issues) > 0 {
		err := audit.Retry(ctx, a.retries, "insert issues", func(ctx context.Context) error {
			return a.issues.InsertIssues(ctx, outcome.JobID, outcome.Issues)
		})
		if err != nil {
			return fmt.Errorf("persist issues for job %s: %w", outcome.JobID, err)
		}
	}

	errText := ""
	if len(outcome.FailedModules) > 0 {
		errText = failedModulesText(outcome.FailedModules)
	}
	err := audit.Retry(ctx, a.retries, "finalize job", func(ctx context.Context) error {
		return a.jobs.FinalizeJob(ctx, outcome.JobID, outcome.Status, errText, outcome.Scores)
	})
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", outcome.JobID, err)
	}

	a.logger.Info("job finalized",
		zap.String("job_id", outcome.JobID),
		zap.String("status", string(outcome.Status)),
		zap.Int("issues", len(outcome.Issues)),
		zap.Int("overall_score", outcome.Scores.Overall))
	return nil
}

func failedModulesText(modules []audit.ModuleKind) string {
	text := "modules failed:"
	for _, m := range modules {
		text += " " + string(m)
	}
	return text
}

// ModuleStateFor converts one settled task into its persisted sub-status.
func ModuleStateFor(result audit.TaskResult) audit.ModuleState {
	state := audit.ModuleState{
		IssueCount: len(result.Issues),
		Duration:   result.Duration,
	}
	switch {
	case result.TimedOut:
		state.Status = audit.ModuleStateTimedOut
		state.ErrorText = "task deadline exceeded"
	case result.Err != nil:
		state.Status = audit.ModuleStateFailed
		state.ErrorText = result.Err.Error()
	default:
		state.Status = audit.ModuleStateSucceeded
	}
	return state
}
