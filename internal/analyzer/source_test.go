package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/storage/memory"
)

func TestLoadSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()

	markupPath := audit.ArtifactPath("acme", "job-1", "markup", "index.html")
	_, err := blobs.PutObject(ctx, markupPath, "text/html",
		strings.NewReader(`<html><head><style>.x{color:#000}</style></head><body></body></html>`))
	require.NoError(t, err)

	cssPath := audit.ArtifactPath("acme", "job-1", "styles", "000-main.css")
	_, err = blobs.PutObject(ctx, cssPath, "text/css", strings.NewReader(".y{color:#fff}"))
	require.NoError(t, err)

	snap := audit.Snapshot{
		JobID:       "job-1",
		Tenant:      "acme",
		URL:         "https://example.com",
		Markup:      audit.AssetRef{Path: markupPath},
		Stylesheets: []audit.AssetRef{{Path: cssPath}, {Path: "acme/job-1/styles/missing.css"}},
	}

	src, err := LoadSource(ctx, blobs, snap)
	require.NoError(t, err)
	require.NotNil(t, src.Doc)
	require.Len(t, src.Stylesheets, 1, "unreadable stylesheets are skipped")

	css := src.AllCSS()
	require.Len(t, css, 2, "external plus inline")
	require.Contains(t, css[1], ".x")
}

func TestLoadSourceMissingMarkup(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := LoadSource(context.Background(), blobs, audit.Snapshot{
		Markup: audit.AssetRef{Path: "acme/job-1/markup/index.html"},
	})
	require.Error(t, err)
}

func TestIsSecure(t *testing.T) {
	t.Parallel()

	require.True(t, (&Source{Snapshot: audit.Snapshot{URL: "https://example.com"}}).IsSecure())
	require.False(t, (&Source{Snapshot: audit.Snapshot{URL: "http://example.com"}}).IsSecure())
	require.True(t, (&Source{Snapshot: audit.Snapshot{
		URL:      "http://example.com",
		FinalURL: "https://example.com/",
	}}).IsSecure())
}
