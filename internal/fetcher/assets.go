package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// AssetConfig controls subresource collection.
type AssetConfig struct {
	// MaxPerKind caps how many stylesheets and scripts are fetched.
	MaxPerKind int
	// MaxBytes drops any single asset larger than this.
	MaxBytes int
	// Timeout bounds each asset request.
	Timeout time.Duration
	// UserAgent is sent with asset requests.
	UserAgent string
}

// Asset is one downloaded subresource.
type Asset struct {
	URL  string
	Body []byte
}

// AssetFetcher downloads the page's linked stylesheets and scripts so the
// contrast analyzer can see rules the rendered DOM does not inline.
type AssetFetcher struct {
	cfg  AssetConfig
	base *colly.Collector
}

// NewAssetFetcher builds an asset fetcher.
func NewAssetFetcher(cfg AssetConfig) *AssetFetcher {
	if cfg.MaxPerKind <= 0 {
		cfg.MaxPerKind = 10
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &AssetFetcher{cfg: cfg, base: c}
}

// ExtractAssetURLs pulls stylesheet and script URLs from rendered markup,
// resolved against the page URL. Inline and data: sources are skipped.
func ExtractAssetURLs(markup, pageURL string) (stylesheets, scripts []string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, nil, fmt.Errorf("parse markup: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}

	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			if resolved := resolveRef(base, href); resolved != "" {
				stylesheets = append(stylesheets, resolved)
			}
		}
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			if resolved := resolveRef(base, src); resolved != "" {
				scripts = append(scripts, resolved)
			}
		}
	})
	return stylesheets, scripts, nil
}

func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// FetchAll downloads up to MaxPerKind assets from the list. Individual
// failures are skipped; the page analysis proceeds with what arrived.
func (f *AssetFetcher) FetchAll(ctx context.Context, urls []string) []Asset {
	if len(urls) > f.cfg.MaxPerKind {
		urls = urls[:f.cfg.MaxPerKind]
	}
	assets := make([]Asset, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		body, err := f.fetchOne(ctx, u)
		if err != nil {
			continue
		}
		assets = append(assets, Asset{URL: u, Body: body})
	}
	return assets
}

func (f *AssetFetcher) fetchOne(ctx context.Context, assetURL string) ([]byte, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		if len(r.Body) > f.cfg.MaxBytes {
			fetchErr = fmt.Errorf("asset exceeds %d bytes", f.cfg.MaxBytes)
			return
		}
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(assetURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("asset fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("asset visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("asset response failed: %w", fetchErr)
		}
		return body, nil
	}
}
