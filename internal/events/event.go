// Package events carries pipeline progress events from the orchestrator and
// fetcher to pluggable sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitelens/sitelens/internal/audit"
)

// Kind names the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindJobAccepted Kind = "JOB_ACCEPTED"
	KindStageEnter  Kind = "STAGE_ENTER"
	KindModuleDone  Kind = "MODULE_DONE"
	KindJobDone     Kind = "JOB_DONE"
	KindJobFailed   Kind = "JOB_FAILED"
	KindCacheHit    Kind = "CACHE_HIT"
	KindCacheJoin   Kind = "CACHE_JOIN"
)

// Event is one progress milestone for a job. Module is set only for
// MODULE_DONE; Stage only for STAGE_ENTER.
type Event struct {
	JobID  string
	TS     time.Time
	Kind   Kind
	Stage  audit.JobStatus
	Module audit.ModuleKind
	Site   string
	Dur    time.Duration
	Note   string
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobAccepted, KindJobDone, KindJobFailed, KindCacheHit, KindCacheJoin:
	case KindStageEnter:
		if e.Stage == "" {
			return errors.New("stage enter requires a stage")
		}
	case KindModuleDone:
		if e.Module == "" {
			return errors.New("module done requires a module")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
