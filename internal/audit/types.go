// Package audit defines core types shared across the analysis pipeline.
package audit

import (
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values persisted in the job store. Completed, completed_with_errors
// and failed are terminal; no transition leaves them.
const (
	JobStatusPending             JobStatus = "pending"
	JobStatusFetching            JobStatus = "fetching"
	JobStatusAnalyzing           JobStatus = "analyzing"
	JobStatusAggregating         JobStatus = "aggregating"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	default:
		return false
	}
}

// ModuleKind identifies one analyzer module. Modules are a closed set mapped at
// compile time to their analyzer functions; string keys are reserved for the
// rule catalog's external identifiers.
type ModuleKind string

// Analyzer modules supported by the pipeline.
const (
	ModuleContrast  ModuleKind = "contrast"
	ModuleForms     ModuleKind = "forms"
	ModuleStructure ModuleKind = "structure"
	ModuleSEO       ModuleKind = "seo"
	ModuleImages    ModuleKind = "images"
	ModuleTiming    ModuleKind = "timing"
)

// AllModules lists every known module in stable order.
func AllModules() []ModuleKind {
	return []ModuleKind{
		ModuleContrast,
		ModuleForms,
		ModuleStructure,
		ModuleSEO,
		ModuleImages,
		ModuleTiming,
	}
}

// KnownModule reports whether m names a registered module kind.
func KnownModule(m ModuleKind) bool {
	for _, known := range AllModules() {
		if m == known {
			return true
		}
	}
	return false
}

// Category groups modules into pools with independent concurrency limits.
type Category string

// Analyzer categories. Performance modules are far heavier than DOM attribute
// checks and get their own pool so they cannot starve the cheap ones.
const (
	CategoryAccessibility Category = "accessibility"
	CategorySEO           Category = "seo"
	CategoryPerformance   Category = "performance"
)

// ModuleCategory maps a module to its scheduling category.
func ModuleCategory(m ModuleKind) Category {
	switch m {
	case ModuleContrast, ModuleForms:
		return CategoryAccessibility
	case ModuleStructure, ModuleSEO:
		return CategorySEO
	case ModuleImages, ModuleTiming:
		return CategoryPerformance
	default:
		return CategorySEO
	}
}

// Severity ranks the impact of an issue.
type Severity string

// Issue severities, lowest to highest.
const (
	SeverityInfo     Severity = "info"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySerious  Severity = "serious"
	SeverityCritical Severity = "critical"
)

// Weight converts a severity into a score penalty weight.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeveritySerious:
		return 6
	case SeverityModerate:
		return 3
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// AnalysisRequest captures what the caller asked for. Immutable once created.
type AnalysisRequest struct {
	TargetURL string        `json:"target_url"`
	Modules   []ModuleKind  `json:"modules"`
	Freshness time.Duration `json:"freshness"`
	Tenant    string        `json:"tenant"`
}

// ModuleState tracks one module's sub-status within a job.
type ModuleState struct {
	Status     string        `json:"status"`
	IssueCount int           `json:"issue_count"`
	ErrorText  string        `json:"error_text,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Module sub-status values.
const (
	ModuleStateScheduled = "scheduled"
	ModuleStateSucceeded = "succeeded"
	ModuleStateFailed    = "failed"
	ModuleStateTimedOut  = "timed_out"
)

// AnalysisJob is the persisted record for one pipeline run. Only the
// orchestrator and the aggregator write it.
type AnalysisJob struct {
	ID           string                      `json:"id"`
	Request      AnalysisRequest             `json:"request"`
	Status       JobStatus                   `json:"status"`
	ModuleStates map[ModuleKind]ModuleState  `json:"module_states,omitempty"`
	Submitted    time.Time                   `json:"submitted_at"`
	Started      *time.Time                  `json:"started_at,omitempty"`
	Finished     *time.Time                  `json:"finished_at,omitempty"`
	ErrorText    string                      `json:"error_text,omitempty"`
	Scores       *ScoreCard                  `json:"scores,omitempty"`
}

// AssetRef points at one persisted snapshot artifact.
type AssetRef struct {
	Path string `json:"path"`
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// ImageMeta describes one rendered image element, captured in the browser.
type ImageMeta struct {
	Src       string `json:"src"`
	Alt       string `json:"alt"`
	NaturalW  int    `json:"natural_w"`
	NaturalH  int    `json:"natural_h"`
	RenderedW int    `json:"rendered_w"`
	RenderedH int    `json:"rendered_h"`
	Loading   string `json:"loading"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

// TimingMeta holds core-vitals-style navigation timings captured at fetch time.
type TimingMeta struct {
	TTFBMs             float64 `json:"ttfb_ms"`
	DOMContentLoadedMs float64 `json:"dom_content_loaded_ms"`
	LoadEventMs        float64 `json:"load_event_ms"`
	TransferBytes      int64   `json:"transfer_bytes"`
	ResourceCount      int     `json:"resource_count"`
}

// Snapshot is the fetcher's durable output. It is owned by the job that
// produced it and read-only for every analyzer task.
type Snapshot struct {
	JobID       string              `json:"job_id"`
	Tenant      string              `json:"tenant"`
	URL         string              `json:"url"`
	FinalURL    string              `json:"final_url"`
	StatusCode  int                 `json:"status_code"`
	Markup      AssetRef            `json:"markup"`
	Stylesheets []AssetRef          `json:"stylesheets,omitempty"`
	Scripts     []AssetRef          `json:"scripts,omitempty"`
	Screenshots map[string]AssetRef `json:"screenshots,omitempty"`
	Images      []ImageMeta         `json:"images,omitempty"`
	Timing      TimingMeta          `json:"timing"`
	Missing     []string            `json:"missing,omitempty"`
	CapturedAt  time.Time           `json:"captured_at"`
}

// Issue is one finding produced by an analyzer module. RuleKey must resolve in
// the rule catalog at write time.
type Issue struct {
	RuleKey  string     `json:"rule_key"`
	Module   ModuleKind `json:"module"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Evidence string     `json:"evidence,omitempty"`
}

// TaskResult is the settled outcome of one analyzer task.
type TaskResult struct {
	Module   ModuleKind
	Issues   []Issue
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Failed reports whether the task settled unsuccessfully.
func (r TaskResult) Failed() bool {
	return r.Err != nil || r.TimedOut
}

// ScoreCard carries severity-weighted scores derived from the issue set.
type ScoreCard struct {
	Overall     int              `json:"overall"`
	PerCategory map[Category]int `json:"per_category"`
}

// JobOutcome is the aggregator's final product for one job.
type JobOutcome struct {
	JobID         string       `json:"job_id"`
	Status        JobStatus    `json:"status"`
	Issues        []Issue      `json:"issues"`
	Scores        ScoreCard    `json:"scores"`
	FailedModules []ModuleKind `json:"failed_modules,omitempty"`
}

// Submission is the inbound queue message shape.
type Submission struct {
	JobID            string       `json:"job_id,omitempty"`
	Tenant           string       `json:"tenant"`
	TargetURL        string       `json:"target_url"`
	Modules          []ModuleKind `json:"modules"`
	FreshnessSeconds int          `json:"freshness_seconds"`
}

// Request converts the wire submission into an immutable AnalysisRequest.
func (s Submission) Request() AnalysisRequest {
	return AnalysisRequest{
		TargetURL: s.TargetURL,
		Modules:   append([]ModuleKind(nil), s.Modules...),
		Freshness: time.Duration(s.FreshnessSeconds) * time.Second,
		Tenant:    s.Tenant,
	}
}
