package analyzer

import (
	"context"
	"fmt"

	"github.com/sitelens/sitelens/internal/audit"
)

// Navigation timing thresholds, in milliseconds, aligned with the usual
// lab-measurement guidance.
const (
	slowTTFBMs = 800
	slowDCLMs  = 3000
	slowLoadMs = 5000
	// maxPageWeightBytes is the transfer budget before page weight is flagged.
	maxPageWeightBytes = 3 << 20
)

// CheckTiming evaluates the navigation timings captured at fetch time. A
// snapshot without timing data yields no issues rather than guesses.
func CheckTiming(_ context.Context, src *Source) ([]audit.Issue, error) {
	t := src.Snapshot.Timing
	if t.LoadEventMs == 0 && t.DOMContentLoadedMs == 0 && t.TTFBMs == 0 {
		return nil, nil
	}

	var issues []audit.Issue
	if t.TTFBMs > slowTTFBMs {
		issues = append(issues, audit.Issue{
			RuleKey:  "timing.slow-ttfb",
			Module:   audit.ModuleTiming,
			Severity: audit.SeverityModerate,
			Message:  fmt.Sprintf("time to first byte is %.0fms, budget %dms", t.TTFBMs, slowTTFBMs),
		})
	}
	if t.DOMContentLoadedMs > slowDCLMs {
		issues = append(issues, audit.Issue{
			RuleKey:  "timing.slow-dom-content-loaded",
			Module:   audit.ModuleTiming,
			Severity: audit.SeverityModerate,
			Message:  fmt.Sprintf("DOMContentLoaded fires at %.0fms, budget %dms", t.DOMContentLoadedMs, slowDCLMs),
		})
	}
	if t.LoadEventMs > slowLoadMs {
		issues = append(issues, audit.Issue{
			RuleKey:  "timing.slow-load",
			Module:   audit.ModuleTiming,
			Severity: audit.SeveritySerious,
			Message:  fmt.Sprintf("load event fires at %.0fms, budget %dms", t.LoadEventMs, slowLoadMs),
		})
	}
	if t.TransferBytes > maxPageWeightBytes {
		issues = append(issues, audit.Issue{
			RuleKey:  "timing.page-weight",
			Module:   audit.ModuleTiming,
			Severity: audit.SeverityModerate,
			Message: fmt.Sprintf("page transfers %.1f MiB across %d resources, budget %d MiB",
				float64(t.TransferBytes)/(1<<20), t.ResourceCount, maxPageWeightBytes>>20),
		})
	}
	return issues, nil
}
