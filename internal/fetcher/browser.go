// Package fetcher renders target pages in headless Chrome and persists the
// resulting snapshot artifacts.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"
)

// BrowserConfig controls the shared browser process and tab pool.
type BrowserConfig struct {
	// MaxTabs bounds concurrent render tabs. Each job uses exactly one tab.
	MaxTabs int
	// StepTimeout bounds each individual capture step inside a tab.
	StepTimeout time.Duration
	// DomainQPS limits navigations per target domain.
	DomainQPS float64
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
}

// Browser owns one headless Chrome process and hands out isolated tabs. Tabs
// come from a fixed pool; Acquire blocks until a slot frees or ctx ends.
type Browser struct {
	cfg         BrowserConfig
	allocator   context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBrowser starts the allocator for a shared Chrome process.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 2
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 12 * time.Second
	}
	if cfg.DomainQPS <= 0 {
		cfg.DomainQPS = 1
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		slots:       make(chan struct{}, cfg.MaxTabs),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Close shuts down the Chrome process.
func (b *Browser) Close() {
	b.allocCancel()
}

// AcquireTab waits for a pool slot and the domain rate limit, then opens a
// fresh tab. The returned release func closes the tab and frees the slot.
func (b *Browser) AcquireTab(ctx context.Context, targetURL string) (context.Context, func(), error) {
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("tab slot wait canceled: %w", ctx.Err())
	}

	if err := b.waitDomain(ctx, targetURL); err != nil {
		<-b.slots
		return nil, nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	release := func() {
		tabCancel()
		select {
		case <-b.slots:
		default:
		}
	}
	return tabCtx, release, nil
}

// StepTimeout returns the per-step budget for capture actions.
func (b *Browser) StepTimeout() time.Duration {
	return b.cfg.StepTimeout
}

func (b *Browser) waitDomain(ctx context.Context, targetURL string) error {
	host := hostOf(targetURL)
	if host == "" {
		return nil
	}
	if err := b.limiterFor(host).Wait(ctx); err != nil {
		return fmt.Errorf("domain rate wait for %s: %w", host, err)
	}
	return nil
}

func (b *Browser) limiterFor(host string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(b.cfg.DomainQPS), 1)
	b.limiters[host] = l
	return l
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
