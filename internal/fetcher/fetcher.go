package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Viewport names one screenshot emulation profile.
type Viewport struct {
	Name   string
	Width  int64
	Height int64
	Mobile bool
}

// DefaultViewports covers the three breakpoints the report renders.
func DefaultViewports() []Viewport {
	return []Viewport{
		{Name: "desktop", Width: 1366, Height: 768},
		{Name: "tablet", Width: 768, Height: 1024},
		{Name: "mobile", Width: 375, Height: 812, Mobile: true},
	}
}

// Fetcher renders one page per job in an isolated tab and persists every
// captured artifact. Navigation and markup capture are mandatory; all other
// steps degrade into Snapshot.Missing entries instead of failing the job.
type Fetcher struct {
	browser   *Browser
	assets    *AssetFetcher
	blobs     audit.BlobStore
	retries   *audit.ExponentialRetryPolicy
	logger    *zap.Logger
	clock     audit.Clock
	viewports []Viewport
}

// New assembles a fetcher.
func New(browser *Browser, assets *AssetFetcher, blobs audit.BlobStore, clock audit.Clock, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		browser:   browser,
		assets:    assets,
		blobs:     blobs,
		retries:   audit.NewExponentialRetryPolicy(),
		logger:    logger,
		clock:     clock,
		viewports: DefaultViewports(),
	}
}

// Fetch renders the target page and returns the persisted snapshot. The
// returned error is always fatal for the job.
func (f *Fetcher) Fetch(ctx context.Context, jobID, tenant, targetURL string) (audit.Snapshot, error) {
	tabCtx, release, err := f.browser.AcquireTab(ctx, targetURL)
	if err != nil {
		return audit.Snapshot{}, err
	}
	defer release()

	snap := audit.Snapshot{
		JobID:       jobID,
		Tenant:      tenant,
		URL:         targetURL,
		Screenshots: make(map[string]audit.AssetRef),
		CapturedAt:  f.clock.Now(),
	}

	markup, err := f.navigate(tabCtx, targetURL, &snap)
	if err != nil {
		metrics.ObserveFetchStep("navigate", "error")
		return audit.Snapshot{}, err
	}
	metrics.ObserveFetchStep("navigate", "ok")

	// Markup persist failures are fatal: every analyzer needs the DOM.
	markupPath := audit.ArtifactPath(tenant, jobID, "markup", "index.html")
	uri, err := f.persist(ctx, markupPath, "text/html", []byte(markup))
	if err != nil {
		return audit.Snapshot{}, fmt.Errorf("persist markup: %w", err)
	}
	snap.Markup = audit.AssetRef{Path: markupPath, URI: uri, Size: int64(len(markup))}

	f.captureScreenshots(tabCtx, ctx, &snap)
	f.captureImageMeta(tabCtx, ctx, &snap)
	f.captureTiming(tabCtx, ctx, &snap)
	f.captureSubresources(ctx, markup, &snap)

	if err := f.persistManifest(ctx, &snap); err != nil {
		return audit.Snapshot{}, err
	}
	return snap, nil
}

// navigate loads the page and extracts the rendered DOM. A timeout maps to
// ErrFetchTimeout, anything else to ErrFetchNavigation.
func (f *Fetcher) navigate(tabCtx context.Context, targetURL string, snap *audit.Snapshot) (string, error) {
	stepCtx, cancel := context.WithTimeout(tabCtx, f.browser.StepTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(stepCtx, meta.captureEvent)

	var (
		markup   string
		finalURL string
	)
	err := chromedp.Run(stepCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("navigate %s: %w", targetURL, audit.ErrFetchTimeout)
		}
		return "", fmt.Errorf("navigate %s: %v: %w", targetURL, err, audit.ErrFetchNavigation)
	}

	status, respURL := meta.snapshot()
	if respURL == "" {
		respURL = finalURL
	}
	if status == 0 {
		status = 200
	}
	snap.FinalURL = respURL
	snap.StatusCode = status
	return markup, nil
}

func (f *Fetcher) captureScreenshots(tabCtx, persistCtx context.Context, snap *audit.Snapshot) {
	for _, vp := range f.viewports {
		name := vp.Name + ".jpg"
		shot, err := f.viewportShot(tabCtx, vp)
		if err != nil {
			f.degrade(snap, "screenshot."+vp.Name, err)
			continue
		}
		p := audit.ArtifactPath(snap.Tenant, snap.JobID, "screenshots", name)
		uri, err := f.persist(persistCtx, p, "image/jpeg", shot)
		if err != nil {
			f.degrade(snap, "screenshot."+vp.Name, err)
			continue
		}
		snap.Screenshots[vp.Name] = audit.AssetRef{Path: p, URI: uri, Size: int64(len(shot))}
		metrics.ObserveFetchStep("screenshot", "ok")
	}

	full, err := f.fullPageShot(tabCtx)
	if err != nil {
		f.degrade(snap, "screenshot.fullpage", err)
		return
	}
	p := audit.ArtifactPath(snap.Tenant, snap.JobID, "screenshots", "fullpage.jpg")
	uri, err := f.persist(persistCtx, p, "image/jpeg", full)
	if err != nil {
		f.degrade(snap, "screenshot.fullpage", err)
		return
	}
	snap.Screenshots["fullpage"] = audit.AssetRef{Path: p, URI: uri, Size: int64(len(full))}
	metrics.ObserveFetchStep("screenshot", "ok")
}

func (f *Fetcher) viewportShot(tabCtx context.Context, vp Viewport) ([]byte, error) {
	stepCtx, cancel := context.WithTimeout(tabCtx, f.browser.StepTimeout())
	defer cancel()

	var shot []byte
	err := chromedp.Run(stepCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(vp.Width, vp.Height, 1, vp.Mobile).Do(ctx)
		}),
		chromedp.CaptureScreenshot(&shot),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %s screenshot: %w", vp.Name, err)
	}
	return shot, nil
}

func (f *Fetcher) fullPageShot(tabCtx context.Context) ([]byte, error) {
	stepCtx, cancel := context.WithTimeout(tabCtx, f.browser.StepTimeout())
	defer cancel()

	var shot []byte
	if err := chromedp.Run(stepCtx, chromedp.FullScreenshot(&shot, 80)); err != nil {
		return nil, fmt.Errorf("capture full page screenshot: %w", err)
	}
	return shot, nil
}

const imageMetaJS = `
(() => Array.from(document.images).map(img => {
	const rect = img.getBoundingClientRect();
	return {
		src: img.currentSrc || img.src || "",
		alt: img.getAttribute("alt") ?? "",
		natural_w: img.naturalWidth,
		natural_h: img.naturalHeight,
		rendered_w: Math.round(rect.width),
		rendered_h: Math.round(rect.height),
		loading: img.getAttribute("loading") || "",
		x: Math.round(rect.x),
		y: Math.round(rect.y + window.scrollY)
	};
}))()`

func (f *Fetcher) captureImageMeta(tabCtx, persistCtx context.Context, snap *audit.Snapshot) {
	stepCtx, cancel := context.WithTimeout(tabCtx, f.browser.StepTimeout())
	defer cancel()

	var images []audit.ImageMeta
	if err := chromedp.Run(stepCtx, chromedp.Evaluate(imageMetaJS, &images)); err != nil {
		f.degrade(snap, "images", err)
		return
	}
	snap.Images = images

	data, err := json.Marshal(images)
	if err != nil {
		f.degrade(snap, "images", err)
		return
	}
	p := audit.ArtifactPath(snap.Tenant, snap.JobID, "meta", "images.json")
	if _, err := f.persist(persistCtx, p, "application/json", data); err != nil {
		f.logger.Warn("persist image metadata", zap.String("job_id", snap.JobID), zap.Error(err))
	}
	metrics.ObserveFetchStep("images", "ok")
}

const timingJS = `
(() => {
	const nav = performance.getEntriesByType("navigation")[0];
	const resources = performance.getEntriesByType("resource");
	if (!nav) return null;
	return {
		ttfb_ms: nav.responseStart,
		dom_content_loaded_ms: nav.domContentLoadedEventEnd,
		load_event_ms: nav.loadEventEnd,
		transfer_bytes: resources.reduce((sum, r) => sum + (r.transferSize || 0), nav.transferSize || 0),
		resource_count: resources.length
	};
})()`

func (f *Fetcher) captureTiming(tabCtx, persistCtx context.Context, snap *audit.Snapshot) {
	stepCtx, cancel := context.WithTimeout(tabCtx, f.browser.StepTimeout())
	defer cancel()

	var timing *audit.TimingMeta
	if err := chromedp.Run(stepCtx, chromedp.Evaluate(timingJS, &timing)); err != nil || timing == nil {
		if err == nil {
			err = fmt.Errorf("no navigation entry")
		}
		f.degrade(snap, "timing", err)
		return
	}
	snap.Timing = *timing

	data, err := json.Marshal(timing)
	if err != nil {
		f.degrade(snap, "timing", err)
		return
	}
	p := audit.ArtifactPath(snap.Tenant, snap.JobID, "meta", "timing.json")
	if _, err := f.persist(persistCtx, p, "application/json", data); err != nil {
		f.logger.Warn("persist timing metadata", zap.String("job_id", snap.JobID), zap.Error(err))
	}
	metrics.ObserveFetchStep("timing", "ok")
}

func (f *Fetcher) captureSubresources(ctx context.Context, markup string, snap *audit.Snapshot) {
	if f.assets == nil {
		return
	}
	pageURL := snap.FinalURL
	if pageURL == "" {
		pageURL = snap.URL
	}
	stylesheets, scripts, err := ExtractAssetURLs(markup, pageURL)
	if err != nil {
		f.degrade(snap, "subresources", err)
		return
	}

	for _, asset := range f.assets.FetchAll(ctx, stylesheets) {
		ref, err := f.persistAsset(ctx, snap, "styles", asset)
		if err != nil {
			f.logger.Warn("persist stylesheet", zap.String("url", asset.URL), zap.Error(err))
			continue
		}
		snap.Stylesheets = append(snap.Stylesheets, ref)
	}
	for _, asset := range f.assets.FetchAll(ctx, scripts) {
		ref, err := f.persistAsset(ctx, snap, "scripts", asset)
		if err != nil {
			f.logger.Warn("persist script", zap.String("url", asset.URL), zap.Error(err))
			continue
		}
		snap.Scripts = append(snap.Scripts, ref)
	}
	metrics.ObserveFetchStep("subresources", "ok")
}

func (f *Fetcher) persistAsset(ctx context.Context, snap *audit.Snapshot, category string, asset Asset) (audit.AssetRef, error) {
	name := path.Base(asset.URL)
	if name == "" || name == "." || name == "/" {
		name = "asset"
	}
	p := audit.ArtifactPath(snap.Tenant, snap.JobID, category, fmt.Sprintf("%03d-%s", len(snap.Stylesheets)+len(snap.Scripts), name))
	contentType := "text/css"
	if category == "scripts" {
		contentType = "application/javascript"
	}
	uri, err := f.persist(ctx, p, contentType, asset.Body)
	if err != nil {
		return audit.AssetRef{}, err
	}
	return audit.AssetRef{Path: p, URI: uri, Size: int64(len(asset.Body))}, nil
}

// persistManifest writes the snapshot document itself so analyzers and the
// report endpoint can load everything from one place.
func (f *Fetcher) persistManifest(ctx context.Context, snap *audit.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	p := audit.ArtifactPath(snap.Tenant, snap.JobID, "meta", "snapshot.json")
	if _, err := f.persist(ctx, p, "application/json", data); err != nil {
		return fmt.Errorf("persist snapshot manifest: %w", err)
	}
	return nil
}

func (f *Fetcher) persist(ctx context.Context, blobPath, contentType string, data []byte) (string, error) {
	var uri string
	err := audit.Retry(ctx, f.retries, "put "+blobPath, func(ctx context.Context) error {
		var putErr error
		uri, putErr = f.blobs.PutObject(ctx, blobPath, contentType, bytes.NewReader(data))
		return putErr
	})
	return uri, err
}

// degrade records a failed best-effort step without failing the job.
func (f *Fetcher) degrade(snap *audit.Snapshot, step string, err error) {
	snap.Missing = append(snap.Missing, step)
	metrics.ObserveFetchStep(step, "degraded")
	f.logger.Warn("fetch step degraded",
		zap.String("job_id", snap.JobID),
		zap.String("step", step),
		zap.Error(err))
}
