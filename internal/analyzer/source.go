// Package analyzer runs the per-module page checks over a fetched snapshot.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitelens/sitelens/internal/audit"
)

// Source is the read-only input every module task receives. It is loaded once
// per job; tasks must not mutate it.
type Source struct {
	Snapshot    audit.Snapshot
	Doc         *goquery.Document
	Stylesheets []string
}

// LoadSource materializes the analyzer input from the blob store. The markup
// is mandatory; missing stylesheets are tolerated because the fetcher already
// recorded their absence on the snapshot.
func LoadSource(ctx context.Context, blobs audit.BlobStore, snap audit.Snapshot) (*Source, error) {
	markup, err := blobs.GetObject(ctx, snap.Markup.Path)
	if err != nil {
		return nil, fmt.Errorf("load markup %s: %w", snap.Markup.Path, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(markup)))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	src := &Source{
		Snapshot: snap,
		Doc:      doc,
	}
	for _, ref := range snap.Stylesheets {
		body, err := blobs.GetObject(ctx, ref.Path)
		if err != nil {
			continue
		}
		src.Stylesheets = append(src.Stylesheets, string(body))
	}
	return src, nil
}

// InlineCSS collects style element contents from the document. Combined with
// Stylesheets it is the full CSS text visible to the contrast checks.
func (s *Source) InlineCSS() []string {
	var blocks []string
	s.Doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	return blocks
}

// AllCSS returns external stylesheets followed by inline style blocks.
func (s *Source) AllCSS() []string {
	return append(append([]string(nil), s.Stylesheets...), s.InlineCSS()...)
}

// IsSecure reports whether the page was served over HTTPS.
func (s *Source) IsSecure() bool {
	pageURL := s.Snapshot.FinalURL
	if pageURL == "" {
		pageURL = s.Snapshot.URL
	}
	return strings.HasPrefix(strings.ToLower(pageURL), "https://")
}
