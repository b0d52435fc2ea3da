package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitelens/sitelens/internal/audit"
)

// JobStore provides an in-memory job and issue store for development/testing.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]audit.AnalysisJob
	issues map[string][]audit.Issue
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]audit.AnalysisJob),
		issues: make(map[string][]audit.Issue),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job audit.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.ModuleStates == nil {
		job.ModuleStates = make(map[audit.ModuleKind]audit.ModuleState)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves the job through its lifecycle. Terminal states are
// immutable; a write against one is rejected.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status audit.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is terminal (%s)", jobID, job.Status)
	}
	job.Status = status
	job.ErrorText = errText
	now := time.Now().UTC()
	if status == audit.JobStatusFetching && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateModuleState records one module's sub-status.
func (s *JobStore) UpdateModuleState(_ context.Context, jobID string, module audit.ModuleKind, state audit.ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.ErrJobNotFound
	}
	if job.ModuleStates == nil {
		job.ModuleStates = make(map[audit.ModuleKind]audit.ModuleState)
	}
	job.ModuleStates[module] = state
	s.jobs[jobID] = job
	return nil
}

// FinalizeJob writes the terminal record exactly once.
func (s *JobStore) FinalizeJob(_ context.Context, jobID string, status audit.JobStatus, errText string, scores audit.ScoreCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already finalized (%s)", jobID, job.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	job.Status = status
	job.ErrorText = errText
	job.Scores = &scores
	job.Finished = pointerTime(time.Now().UTC())
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID. The returned record shares no mutable state
// with the store: a reader serializing it must not race later writes.
func (s *JobStore) GetJob(_ context.Context, jobID string) (audit.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.AnalysisJob{}, audit.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// InsertIssues appends issue rows for a job.
func (s *JobStore) InsertIssues(_ context.Context, jobID string, issues []audit.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[jobID] = append(s.issues[jobID], issues...)
	return nil
}

// ListIssues returns all recorded issues for a job.
func (s *JobStore) ListIssues(_ context.Context, jobID string) ([]audit.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issues := s.issues[jobID]
	out := make([]audit.Issue, len(issues))
	copy(out, issues)
	return out, nil
}

func cloneJob(job audit.AnalysisJob) audit.AnalysisJob {
	cp := job
	if job.ModuleStates != nil {
		cp.ModuleStates = make(map[audit.ModuleKind]audit.ModuleState, len(job.ModuleStates))
		for k, v := range job.ModuleStates {
			cp.ModuleStates[k] = v
		}
	}
	if job.Scores != nil {
		scores := *job.Scores
		if job.Scores.PerCategory != nil {
			scores.PerCategory = make(map[audit.Category]int, len(job.Scores.PerCategory))
			for k, v := range job.Scores.PerCategory {
				scores.PerCategory[k] = v
			}
		}
		cp.Scores = &scores
	}
	cp.Request.Modules = append([]audit.ModuleKind(nil), job.Request.Modules...)
	return cp
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
