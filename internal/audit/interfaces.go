package audit

import (
	"context"
	"io"
	"time"
)

// JobStore persists analysis job records. Only the orchestrator and the
// aggregator may write job status.
type JobStore interface {
	CreateJob(ctx context.Context, job AnalysisJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	UpdateModuleState(ctx context.Context, jobID string, module ModuleKind, state ModuleState) error
	FinalizeJob(ctx context.Context, jobID string, status JobStatus, errText string, scores ScoreCard) error
	GetJob(ctx context.Context, jobID string) (AnalysisJob, error)
}

// IssueStore persists issues keyed by job id and rule key.
type IssueStore interface {
	InsertIssues(ctx context.Context, jobID string, issues []Issue) error
	ListIssues(ctx context.Context, jobID string) ([]Issue, error)
}

// BlobStore writes and reads snapshot artifacts under the
// {tenant}/{jobID}/{category}/{file} convention.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for analysis submissions.
type Queue interface {
	Enqueue(ctx context.Context, sub Submission) error
	Dequeue(ctx context.Context) (Submission, error)
}

// RuleInfo is the catalog entry for one rule key.
type RuleInfo struct {
	Key      string   `yaml:"key" json:"key"`
	Severity Severity `yaml:"severity" json:"severity"`
	Category Category `yaml:"category" json:"category"`
}

// RuleCatalog is the read-only mapping from rule key to metadata. Missing keys
// are tolerated by callers, never fatal.
type RuleCatalog interface {
	Resolve(key string) (RuleInfo, bool)
}

// Hasher computes digests for cache keys and artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
