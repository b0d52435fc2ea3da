package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHelpersDoNotPanic(t *testing.T) {
	ObserveJob("completed")
	ObserveStage("fetching", 2*time.Second)
	ObserveAnalyzerTask("contrast", "succeeded", 50*time.Millisecond)
	ObserveFetchStep("screenshot_desktop", "degraded")
	ObserveCacheLookup("hit")
	ObserveDroppedIssue()
	IncActiveWorkers("performance")
	DecActiveWorkers("performance")
}

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", SanitizeSite("https://Example.com/page"))
	require.Equal(t, "example.com", SanitizeSite("example.com/page"))
	require.Equal(t, "unknown", SanitizeSite("://bad"))
}

func TestHandlerServes(t *testing.T) {
	t.Parallel()

	require.NotNil(t, Handler())
}
