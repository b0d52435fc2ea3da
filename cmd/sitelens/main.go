// Package main wires together the sitelens analysis service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/aggregator"
	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/api"
	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/cache"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/dispatcher"
	"github.com/sitelens/sitelens/internal/events"
	"github.com/sitelens/sitelens/internal/fetcher"
	"github.com/sitelens/sitelens/internal/id/uuid"
	"github.com/sitelens/sitelens/internal/logging"
	"github.com/sitelens/sitelens/internal/orchestrator"
	memorypublisher "github.com/sitelens/sitelens/internal/publisher/memory"
	pubsubpublisher "github.com/sitelens/sitelens/internal/publisher/pubsub"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	queuepubsub "github.com/sitelens/sitelens/internal/queue/pubsub"
	"github.com/sitelens/sitelens/internal/rules"
	"github.com/sitelens/sitelens/internal/storage/gcs"
	"github.com/sitelens/sitelens/internal/storage/local"
	memorystorage "github.com/sitelens/sitelens/internal/storage/memory"
	"github.com/sitelens/sitelens/internal/storage/postgres"

	gcppubsub "cloud.google.com/go/pubsub"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	catalog, err := rules.Load(cfg.Rules.CatalogPath)
	if err != nil {
		return fmt.Errorf("load rule catalog: %w", err)
	}

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}

	jobs, issues, closeDB, err := buildJobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build job store: %w", err)
	}
	defer closeDB()

	queue, closeQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}

	promSink, err := events.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register event metrics: %w", err)
	}
	hub := events.NewHub(
		events.Config{Logger: logger.Named("events")},
		events.NewLogSink(logger.Named("events")),
		promSink,
	)

	browser, err := fetcher.NewBrowser(fetcher.BrowserConfig{
		MaxTabs:     cfg.Browser.MaxTabs,
		StepTimeout: cfg.Browser.StepTimeout(),
		DomainQPS:   cfg.Browser.DomainQPS,
		UserAgent:   cfg.Browser.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("start headless browser: %w", err)
	}
	defer browser.Close()

	assets := fetcher.NewAssetFetcher(fetcher.AssetConfig{UserAgent: cfg.Browser.UserAgent})
	fetch := fetcher.New(browser, assets, blobs, clock, logger.Named("fetcher"))

	pool := analyzer.NewPool(analyzer.PoolConfig{
		AccessibilityWorkers: cfg.Analyzers.AccessibilityWorkers,
		SEOWorkers:           cfg.Analyzers.SEOWorkers,
		PerformanceWorkers:   cfg.Analyzers.PerformanceWorkers,
		TaskTimeout:          cfg.Pipeline.TaskCeiling(),
	}, catalog, logger.Named("analyzer"))
	runner := analyzer.NewRunner(pool, blobs)

	agg := aggregator.New(jobs, issues, catalog, logger.Named("aggregator"))
	dedup := cache.New(cfg.Cache.TTL(), clock, logger.Named("cache"))

	orch := orchestrator.New(
		orchestrator.Config{
			JobCeiling:      cfg.Pipeline.JobCeiling(),
			FetchBudget:     cfg.Pipeline.FetchBudget(),
			CompletionTopic: cfg.PubSub.CompletionTopic,
		},
		jobs, issues,
		fetch, runner, agg,
		dedup, publisher, hub,
		clock, idGen,
		logger.Named("orchestrator"),
	)

	dispatch := dispatcher.New(queue, orch, cfg.Pipeline.Workers, logger.Named("dispatcher"))
	apiServer := api.NewServer(orch, jobs, issues, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Pipeline.Workers))
		dispatch.Run(ctx)
	}()

	go sweepCache(ctx, dedup, cfg.Cache.TTL())

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	closeQueue()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub shutdown error", zap.Error(err))
	}
	closePublisher()
	logger.Info("shutdown complete")
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (audit.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildJobStore(ctx context.Context, cfg config.Config) (audit.JobStore, audit.IssueStore, func(), error) {
	switch cfg.DB.Provider {
	case "memory":
		store := memorystorage.NewJobStore()
		return store, store, func() {}, nil
	case "postgres":
		store, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres job store: %w", err)
		}
		return store, store, store.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.Queue, func(), error) {
	switch cfg.PubSub.Provider {
	case "memory":
		q := queuememory.New(cfg.Pipeline.QueueDepth)
		return q, q.Close, nil
	case "pubsub":
		q, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:      cfg.PubSub.ProjectID,
			TopicID:        cfg.PubSub.TopicID,
			SubscriptionID: cfg.PubSub.SubscriptionID,
		}, logger.Named("queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub queue: %w", err)
		}
		return q, func() {
			if err := q.Close(); err != nil {
				logger.Warn("pubsub queue close", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (audit.Publisher, func(), error) {
	switch cfg.PubSub.Provider {
	case "memory":
		return memorypublisher.New(), func() {}, nil
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubsubpublisher.New(client)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}

// sweepCache drops expired cache entries in the background so long-idle
// processes do not hold stale keys forever.
func sweepCache(ctx context.Context, dedup *cache.Cache, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dedup.Sweep()
		}
	}
}
