// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitelens/sitelens/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job and issue rows.
type Config struct {
	DSN             string
	JobsTable       string
	IssuesTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists analysis jobs and issues in Postgres.
type JobStore struct {
	pool        dbPool
	jobsTable   string
	issuesTable string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newJobStore(pool, cfg.JobsTable, cfg.IssuesTable)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool, jobsTable, issuesTable string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newJobStore(pool, jobsTable, issuesTable)
}

func newJobStore(pool dbPool, jobsTable, issuesTable string) (*JobStore, error) {
	if jobsTable == "" {
		jobsTable = "analysis_jobs"
	}
	if issuesTable == "" {
		issuesTable = "analysis_issues"
	}
	for _, table := range []string{jobsTable, issuesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &JobStore{
		pool:        pool,
		jobsTable:   jobsTable,
		issuesTable: issuesTable,
	}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a job row in its initial status.
func (s *JobStore) CreateJob(ctx context.Context, job audit.AnalysisJob) error {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	statesJSON, err := json.Marshal(job.ModuleStates)
	if err != nil {
		return fmt.Errorf("marshal module states: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant,
	target_url,
	status,
	request,
	module_states,
	error_text,
	submitted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.jobsTable)

	args := []any{
		job.ID,
		job.Request.Tenant,
		job.Request.TargetURL,
		string(job.Status),
		requestJSON,
		statesJSON,
		job.ErrorText,
		job.Submitted,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus writes a lifecycle transition. Terminal rows are guarded in
// SQL so a late writer cannot mutate a finished job.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status audit.JobStatus, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
    error_text = $3,
    started_at = CASE WHEN $2 = 'fetching' AND started_at IS NULL THEN now() ELSE started_at END,
    finished_at = CASE WHEN $2 IN ('completed','completed_with_errors','failed') THEN now() ELSE finished_at END
WHERE id = $1
  AND status NOT IN ('completed','completed_with_errors','failed')`, s.jobsTable)

	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, audit.ErrJobNotFound)
	}
	return nil
}

// UpdateModuleState merges one module's sub-status into the states document.
func (s *JobStore) UpdateModuleState(ctx context.Context, jobID string, module audit.ModuleKind, state audit.ModuleState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal module state: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET module_states = jsonb_set(COALESCE(module_states, '{}'::jsonb), ARRAY[$2], $3::jsonb)
WHERE id = $1`, s.jobsTable)

	tag, err := s.pool.Exec(ctx, query, jobID, string(module), stateJSON)
	if err != nil {
		return fmt.Errorf("update module state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, audit.ErrJobNotFound)
	}
	return nil
}

// FinalizeJob writes the terminal record once; re-finalizing is a no-op error.
func (s *JobStore) FinalizeJob(ctx context.Context, jobID string, status audit.JobStatus, errText string, scores audit.ScoreCard) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
    error_text = $3,
    scores = $4,
    finished_at = now()
WHERE id = $1
  AND status NOT IN ('completed','completed_with_errors','failed')`, s.jobsTable)

	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, scoresJSON)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not finalizable: %w", jobID, audit.ErrJobNotFound)
	}
	return nil
}

// GetJob fetches one job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (audit.AnalysisJob, error) {
	query := fmt.Sprintf(`
SELECT id, status, request, module_states, error_text, scores, submitted_at, started_at, finished_at
FROM %s
WHERE id = $1`, s.jobsTable)

	var (
		job        audit.AnalysisJob
		status     string
		request    []byte
		states     []byte
		scores     []byte
		startedAt  *time.Time
		finishedAt *time.Time
	)
	row := s.pool.QueryRow(ctx, query, jobID)
	if err := row.Scan(&job.ID, &status, &request, &states, &job.ErrorText, &scores, &job.Submitted, &startedAt, &finishedAt); err != nil {
		if err == pgx.ErrNoRows {
			return audit.AnalysisJob{}, audit.ErrJobNotFound
		}
		return audit.AnalysisJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = audit.JobStatus(status)
	job.Started = startedAt
	job.Finished = finishedAt
	if err := json.Unmarshal(request, &job.Request); err != nil {
		return audit.AnalysisJob{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if len(states) > 0 {
		if err := json.Unmarshal(states, &job.ModuleStates); err != nil {
			return audit.AnalysisJob{}, fmt.Errorf("unmarshal module states: %w", err)
		}
	}
	if len(scores) > 0 {
		var card audit.ScoreCard
		if err := json.Unmarshal(scores, &card); err != nil {
			return audit.AnalysisJob{}, fmt.Errorf("unmarshal scores: %w", err)
		}
		job.Scores = &card
	}
	return job, nil
}

// InsertIssues writes validated issue rows for a job.
func (s *JobStore) InsertIssues(ctx context.Context, jobID string, issues []audit.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, rule_key, module, severity, message, evidence)
VALUES ($1,$2,$3,$4,$5,$6)`, s.issuesTable)

	for _, issue := range issues {
		args := []any{
			jobID,
			issue.RuleKey,
			string(issue.Module),
			string(issue.Severity),
			issue.Message,
			issue.Evidence,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert issue %s: %w", issue.RuleKey, err)
		}
	}
	return nil
}

// ListIssues returns all issue rows for a job.
func (s *JobStore) ListIssues(ctx context.Context, jobID string) ([]audit.Issue, error) {
	query := fmt.Sprintf(`
SELECT rule_key, module, severity, message, evidence
FROM %s
WHERE job_id = $1
ORDER BY rule_key`, s.issuesTable)

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []audit.Issue
	for rows.Next() {
		var (
			issue    audit.Issue
			module   string
			severity string
		)
		if err := rows.Scan(&issue.RuleKey, &module, &severity, &issue.Message, &issue.Evidence); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issue.Module = audit.ModuleKind(module)
		issue.Severity = audit.Severity(severity)
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return issues, nil
}
