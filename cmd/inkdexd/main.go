// Package main wires together the inkdex directory service.
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

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	gcsarchive "github.com/inkdex/inkdex/internal/archive/gcs"
	memoryarchive "github.com/inkdex/inkdex/internal/archive/memory"
	"github.com/inkdex/inkdex/internal/breaker"
	feedmemory "github.com/inkdex/inkdex/internal/changefeed/memory"
	feedpubsub "github.com/inkdex/inkdex/internal/changefeed/pubsub"
	"github.com/inkdex/inkdex/internal/clock/system"
	"github.com/inkdex/inkdex/internal/config"
	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/discovery"
	"github.com/inkdex/inkdex/internal/extract"
	"github.com/inkdex/inkdex/internal/gateway"
	hashsha256 "github.com/inkdex/inkdex/internal/hash/sha256"
	uuidgen "github.com/inkdex/inkdex/internal/id/uuid"
	"github.com/inkdex/inkdex/internal/logging"
	"github.com/inkdex/inkdex/internal/orchestrator"
	"github.com/inkdex/inkdex/internal/pipeline"
	"github.com/inkdex/inkdex/internal/publish"
	queuememory "github.com/inkdex/inkdex/internal/queue/memory"
	"github.com/inkdex/inkdex/internal/reconcile"
	"github.com/inkdex/inkdex/internal/scraper"
	collyfetcher "github.com/inkdex/inkdex/internal/scraper/colly"
	headlessrenderer "github.com/inkdex/inkdex/internal/scraper/headless"
	"github.com/inkdex/inkdex/internal/scraper/ratelimit"
	searchmemory "github.com/inkdex/inkdex/internal/search/memory"
	storememory "github.com/inkdex/inkdex/internal/store/memory"
	storepostgres "github.com/inkdex/inkdex/internal/store/postgres"
	syncworker "github.com/inkdex/inkdex/internal/sync"
	"github.com/inkdex/inkdex/internal/worker"
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

	clock := system.New()
	idGen := uuidgen.NewUUIDGenerator()
	hasher := hashsha256.New()

	// Change feed: Pub/Sub when a project is configured, in-process
	// otherwise.
	var feed pipeline.ChangeFeed
	if cfg.PubSub.ProjectID != "" {
		psFeed, err := feedpubsub.New(ctx, feedpubsub.Config{
			ProjectID:      cfg.PubSub.ProjectID,
			TopicID:        cfg.PubSub.TopicName,
			SubscriptionID: cfg.PubSub.SubscriptionName,
		}, logger.Named("changefeed"))
		if err != nil {
			logger.Fatal("pubsub feed init failed", zap.Error(err))
		}
		feed = psFeed
	} else {
		feed = feedmemory.NewFeed()
	}

	// Stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		primary     pipeline.PrimaryStore
		entries     pipeline.DenylistStore
		runs        pipeline.RunStore
		checkpoints pipeline.CheckpointStore
	)
	if cfg.DB.DSN != "" {
		pool, err := storepostgres.Connect(ctx, storepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MaxIdleConns),
		})
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pool.Close()
		if err := storepostgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		if primary, err = storepostgres.NewPrimaryStore(pool, feed, cfg.Sync.Shard, clock); err != nil {
			logger.Fatal("primary store init failed", zap.Error(err))
		}
		if entries, err = storepostgres.NewDenylistStore(pool); err != nil {
			logger.Fatal("denylist store init failed", zap.Error(err))
		}
		if runs, err = storepostgres.NewRunStore(pool); err != nil {
			logger.Fatal("run store init failed", zap.Error(err))
		}
		if checkpoints, err = storepostgres.NewCheckpointStore(pool); err != nil {
			logger.Fatal("checkpoint store init failed", zap.Error(err))
		}
	} else {
		primary = storememory.NewPrimaryStore(feed, cfg.Sync.Shard, clock)
		entries = storememory.NewDenylistStore()
		runs = storememory.NewRunStore()
		checkpoints = storememory.NewCheckpointStore()
	}

	// Snapshot archive: GCS when a bucket is configured.
	var archive pipeline.Archive
	if cfg.Archive.GCSBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("storage client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := storageClient.Close(); closeErr != nil {
				logger.Warn("storage client close failed", zap.Error(closeErr))
			}
		}()
		if archive, err = gcsarchive.New(storageClient, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket}); err != nil {
			logger.Fatal("archive init failed", zap.Error(err))
		}
	} else {
		archive = memoryarchive.NewArchive()
	}

	index := searchmemory.NewIndex()
	queue := queuememory.NewQueue(queuememory.Config{
		Capacity:     cfg.Queue.Capacity,
		Visibility:   cfg.Visibility(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		DedupeWindow: time.Duration(cfg.Queue.DedupeWindowSecs) * time.Second,
	}, clock)

	gate := denylist.NewGate(entries, time.Duration(cfg.Denylist.CacheTTLSeconds)*time.Second, logger.Named("gate"))
	removals := denylist.NewService(entries, primary, index, gate, idGen, clock, logger.Named("denylist"))

	fetcher, err := collyfetcher.NewFetcher(collyfetcher.Config{
		UserAgent:      cfg.Scraper.UserAgent,
		Concurrency:    cfg.Worker.MaxWorkers,
		RequestTimeout: cfg.ScrapeTimeout(),
	}, logger.Named("fetcher"))
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}

	var renderer scraper.Renderer
	if cfg.Scraper.HeadlessEnabled {
		r, err := headlessrenderer.NewRenderer(headlessrenderer.Config{
			UserAgent:      cfg.Scraper.UserAgent,
			MaxConcurrency: cfg.Scraper.HeadlessParallel,
			Timeout:        cfg.ScrapeTimeout(),
		}, logger.Named("renderer"))
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			renderer = r
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					logger.Warn("renderer close failed", zap.Error(closeErr))
				}
			}()
		}
	}

	detector := scraper.NewRenderDetector(2048,
		[]string{"[data-artist-id]"},
		[]string{"__NUXT__", "__INITIAL_STATE__"})
	limiter := ratelimit.NewPerDomain(cfg.Scraper.PerDomainRPS, cfg.Scraper.PerDomainBurst)
	profileScraper := scraper.NewProfileScraper(fetcher, renderer, detector, limiter,
		archive, clock, logger.Named("scraper"))

	if cfg.Scraper.CatalogURL == "" {
		logger.Fatal("scraper.catalog_url must be set")
	}
	catalog, err := discovery.NewCatalogClient(fetcher, cfg.Scraper.CatalogURL, logger.Named("discovery"))
	if err != nil {
		logger.Fatal("catalog client init failed", zap.Error(err))
	}

	extractor := extract.NewExtractor(catalog, gate, cfg.Orchestrator.MinConfidence, logger.Named("extract"))
	publisher := publish.NewPublisher(queue, idGen, hasher, clock,
		cfg.Queue.PublishBatchSize, logger.Named("publish"))
	reconciler := reconcile.New(primary, logger.Named("reconcile"))

	orch := orchestrator.New(catalog, extractor, publisher, queue, primary, runs, gate,
		reconciler, idGen, clock, orchestrator.Config{
			ExtractConcurrency:   cfg.Orchestrator.ExtractConcurrency,
			StageMaxAttempts:     cfg.Orchestrator.StageMaxAttempts,
			StageBackoff:         time.Duration(cfg.Orchestrator.StageBackoffMs) * time.Millisecond,
			DrainPoll:            cfg.DrainPoll(),
			DrainCeiling:         cfg.DrainCeiling(),
			DegradedFailFraction: cfg.Orchestrator.DegradedFailFraction,
		}, logger.Named("orchestrator"))

	scrapeWorker := worker.New(queue, profileScraper, primary, gate,
		pipeline.NewExponentialRetryPolicy(), clock, logger.Named("worker"))
	pool := worker.NewPool(scrapeWorker, queue, worker.PoolConfig{
		MinWorkers: cfg.Worker.MinWorkers,
		MaxWorkers: cfg.Worker.MaxWorkers,
	}, logger.Named("pool"))

	syncW := syncworker.NewWorker(feed, primary, index, checkpoints, cfg.Sync.Shard,
		cfg.Sync.BatchSize,
		pipeline.NewRetryPolicy(cfg.Sync.MaxItemRetries, 100*time.Millisecond, 2*time.Second),
		clock, logger.Named("sync"))

	brk := breaker.New(breaker.Config{
		WindowSize:     cfg.Breaker.WindowSize,
		ErrorThreshold: cfg.Breaker.ErrorThreshold,
		Cooldown:       time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	}, clock)
	reader := gateway.NewReader(index, primary, brk, logger.Named("reader"))
	apiServer := gateway.NewServer(reader, removals, runs, orch, queue, checkpoints,
		clock, cfg, logger.Named("gateway"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker pool started")
		pool.Run(ctx)
	}()
	go func() {
		logger.Info("sync worker started", zap.String("shard", cfg.Sync.Shard))
		syncW.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	orch.Shutdown()
	queue.Close()
}
