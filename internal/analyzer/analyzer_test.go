package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
)

type fakeCatalog map[string]audit.RuleInfo

func (c fakeCatalog) Resolve(key string) (audit.RuleInfo, bool) {
	info, ok := c[key]
	return info, ok
}

func fullCatalog() fakeCatalog {
	c := fakeCatalog{}
	for _, key := range []string{
		"contrast.low-ratio",
		"forms.input-missing-label", "forms.missing-submit", "forms.password-insecure",
		"structure.missing-title", "structure.missing-h1", "structure.multiple-h1",
		"structure.heading-skip", "structure.missing-lang",
		"seo.title-length", "seo.missing-meta-description", "seo.meta-description-length",
		"seo.missing-canonical", "seo.generic-link-text", "seo.noindex",
		"images.missing-alt", "images.oversized", "images.missing-dimensions", "images.lazy-candidate",
		"timing.slow-ttfb", "timing.slow-dom-content-loaded", "timing.slow-load", "timing.page-weight",
	} {
		c[key] = audit.RuleInfo{Key: key, Severity: audit.SeverityMinor}
	}
	return c
}

func TestLookupUnknownModule(t *testing.T) {
	t.Parallel()

	_, err := Lookup(audit.ModuleKind("made-up"))
	require.ErrorIs(t, err, audit.ErrUnknownModule)
}

func TestRunAllSettlesEveryModule(t *testing.T) {
	t.Parallel()

	markup := `<html lang="en"><head><title>A perfectly reasonable title</title>
<meta name="description" content="A description that is long enough to be useful in search results and previews.">
<link rel="canonical" href="https://example.com/">
</head><body><h1>Heading</h1></body></html>`
	src := sourceFromMarkup(t, markup, audit.Snapshot{URL: "https://example.com"})

	pool := NewPool(PoolConfig{}, fullCatalog(), zap.NewNop())
	results := pool.RunAll(context.Background(), audit.AllModules(), src)

	require.Len(t, results, len(audit.AllModules()))
	for i, result := range results {
		require.Equal(t, audit.AllModules()[i], result.Module)
		require.False(t, result.Failed(), "module %s failed: %v", result.Module, result.Err)
	}
}

func TestRunOnePanicIsolated(t *testing.T) {
	boom := audit.ModuleKind("boom")
	registry[boom] = func(context.Context, *Source) ([]audit.Issue, error) {
		panic("synthetic failure")
	}
	t.Cleanup(func() { delete(registry, boom) })

	pool := NewPool(PoolConfig{}, fullCatalog(), zap.NewNop())
	src := sourceFromMarkup(t, "<html></html>", audit.Snapshot{})

	results := pool.RunAll(context.Background(), []audit.ModuleKind{boom, audit.ModuleStructure}, src)
	require.Len(t, results, 2)

	require.True(t, results[0].Failed())
	var taskErr *audit.TaskError
	require.ErrorAs(t, results[0].Err, &taskErr)
	require.Equal(t, boom, taskErr.Module)

	require.False(t, results[1].Failed(), "sibling module settles normally")
}

func TestRunOneTaskTimeout(t *testing.T) {
	slow := audit.ModuleKind("slow")
	registry[slow] = func(ctx context.Context, _ *Source) ([]audit.Issue, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	t.Cleanup(func() { delete(registry, slow) })

	pool := NewPool(PoolConfig{TaskTimeout: 20 * time.Millisecond}, fullCatalog(), zap.NewNop())
	src := sourceFromMarkup(t, "<html></html>", audit.Snapshot{})

	results := pool.RunAll(context.Background(), []audit.ModuleKind{slow}, src)
	require.True(t, results[0].TimedOut)
	require.Nil(t, results[0].Err)
}

func TestRunOneModuleError(t *testing.T) {
	failing := audit.ModuleKind("failing")
	registry[failing] = func(context.Context, *Source) ([]audit.Issue, error) {
		return nil, errors.New("backend unavailable")
	}
	t.Cleanup(func() { delete(registry, failing) })

	pool := NewPool(PoolConfig{}, fullCatalog(), zap.NewNop())
	src := sourceFromMarkup(t, "<html></html>", audit.Snapshot{})

	results := pool.RunAll(context.Background(), []audit.ModuleKind{failing}, src)
	require.True(t, results[0].Failed())
	require.False(t, results[0].TimedOut)
}

func TestValidatedDropsUnknownRuleKeys(t *testing.T) {
	t.Parallel()

	catalog := fakeCatalog{
		"structure.missing-h1": {Key: "structure.missing-h1", Severity: audit.SeverityModerate},
	}
	pool := NewPool(PoolConfig{}, catalog, zap.NewNop())

	issues := pool.validated(audit.ModuleStructure, []audit.Issue{
		{RuleKey: "structure.missing-h1"},
		{RuleKey: "structure.not-in-catalog", Severity: audit.SeverityCritical},
	})
	require.Len(t, issues, 1)
	require.Equal(t, "structure.missing-h1", issues[0].RuleKey)
	require.Equal(t, audit.SeverityModerate, issues[0].Severity, "catalog severity fills the blank")
	require.Equal(t, audit.ModuleStructure, issues[0].Module)
}
