package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicwire/civicwire/internal/api"
	"github.com/civicwire/civicwire/internal/blobstore"
	"github.com/civicwire/civicwire/internal/cloudsql"
	"github.com/civicwire/civicwire/internal/config"
	"github.com/civicwire/civicwire/internal/database"
	"github.com/civicwire/civicwire/internal/dispatch"
	"github.com/civicwire/civicwire/internal/enrichment"
	"github.com/civicwire/civicwire/internal/extraction"
	"github.com/civicwire/civicwire/internal/ingestion"
	"github.com/civicwire/civicwire/internal/logging"
	"github.com/civicwire/civicwire/internal/metrics"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/orchestrator"
	"github.com/civicwire/civicwire/internal/queue"
	"github.com/civicwire/civicwire/internal/scheduler"
	"github.com/civicwire/civicwire/internal/search"
	"github.com/civicwire/civicwire/internal/server"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.LoadDotEnv(".env"); err != nil {
		bootLogger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting civicwire")

	dbURL, err := cloudsql.BuildDatabaseURL()
	if err != nil {
		logger.Error("failed to build database URL", "error", err)
		os.Exit(1)
	}
	logger.Info("database configuration", "config", cloudsql.GetConnectionConfig())

	dbCfg := database.DefaultConfig()
	dbCfg.URL = dbURL
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected")

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(db, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	st := database.NewPostgres(db)

	httpMetrics, err := metrics.NewHTTPCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	pipelineMetrics, err := metrics.NewPipelineCollector(httpMetrics.Registry())
	if err != nil {
		logger.Error("failed to init pipeline metrics", "error", err)
		os.Exit(1)
	}

	tasks, closeQueue, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		logger.Error("failed to init task queue", "backend", cfg.Queue.Backend, "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	blobs, err := newBlobStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to init document storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	indexer, err := newIndexer(cfg.Search, logger)
	if err != nil {
		logger.Error("failed to init search indexer", "error", err)
		os.Exit(1)
	}
	reindexer := search.NewReindexer(st, indexer, search.DocumentBuilder{Keywords: cfg.Enrichment.ActionableKeywords}, logger)

	fetchCfg := ingestion.DefaultFetcherConfig()
	fetchCfg.Timeout = cfg.HTTP.FetchTimeout
	fetchCfg.Retry.MaxRetries = cfg.HTTP.FetchRetries
	fetchCfg.RatePerSecond = cfg.HTTP.RatePerSecond
	if cfg.HTTP.UserAgent != "" {
		fetchCfg.UserAgent = cfg.HTTP.UserAgent
	}
	fetcher := ingestion.NewHTTPFetcher(fetchCfg, &http.Client{}, logger)
	registry := ingestion.NewDefaultRegistry(fetcher, ingestion.HTMLOptions{
		DefaultMaxItems:         cfg.HTTP.HTMLMaxItems,
		DefaultMaxDetailFetches: cfg.HTTP.HTMLMaxDetailFetches,
		Logger:                  logger,
	})

	enrichDispatch := dispatch.NewEnrichmentDispatch(cfg.Enrichment.Enabled, st, tasks)

	defaultLoc, err := time.LoadLocation(models.DefaultTimezone)
	if err != nil {
		logger.Error("failed to load default timezone", "timezone", models.DefaultTimezone, "error", err)
		os.Exit(1)
	}
	heuristics := enrichment.NewHeuristicScorer(cfg.Enrichment.ActionableKeywords, defaultLoc)
	pipeline := enrichment.NewPipeline(
		st,
		heuristics,
		newLLMScorer(cfg.Enrichment, heuristics, logger),
		enrichment.Gate{Enabled: cfg.Enrichment.Enabled, MinTextLength: cfg.Enrichment.MinTextLength},
		reindexer,
		pipelineMetrics,
		logger,
	)

	extractCfg := extraction.DefaultConfig()
	extractCfg.PdftotextPath = cfg.Extraction.PdftotextPath
	extractCfg.PdftoppmPath = cfg.Extraction.PdftoppmPath
	extractCfg.TesseractPath = cfg.Extraction.TesseractPath
	extractCfg.DefaultMaxPages = cfg.Extraction.DefaultMaxPages
	extractCfg.ToolRetry.MaxRetries = cfg.Extraction.ToolRetries
	extractor := extraction.New(
		st,
		fetcher,
		blobs,
		extraction.ExecRunner{Timeout: cfg.Extraction.ToolTimeout},
		reindexer,
		enrichDispatch,
		pipelineMetrics,
		extractCfg,
		logger,
	)

	dispatcher := dispatch.New(dispatch.Components{
		Store:       st,
		Tasks:       tasks,
		Scrapes:     orchestrator.NewScrapeOrchestrator(st, registry, tasks, enrichDispatch, reindexer, pipelineMetrics, logger),
		Events:      orchestrator.NewEventOrchestrator(st, registry, pipelineMetrics, logger),
		Extractor:   extractor,
		Enricher:    pipeline,
		Projections: pipeline.Projections(),
		Enrichment:  enrichDispatch,
		Failures:    orchestrator.NewFailureHandler(st, logger),
	}, dispatch.Config{ProjectionBatchSize: cfg.Scheduler.ProjectionBatchSize}, logger)

	worker := queue.NewWorker(tasks, queue.WorkerConfig{
		Concurrency: cfg.Queue.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout,
		Tries:       cfg.Queue.Tries,
	}, logger)
	dispatcher.Register(worker)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			logger.Error("worker stopped", "error", err)
		}
	}()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(dispatcher, cfg.Scheduler.Interval, logger)
		go sched.Start(ctx)
	} else {
		logger.Info("scheduler disabled")
	}

	mux := http.NewServeMux()
	handler := api.NewHandler(
		dispatcher,
		func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
		func() map[string]any { return database.Stats(db) },
		logger,
	)
	api.SetupRoutes(mux, handler, httpMetrics.Handler())

	srv := server.New(cfg.Server, logger, httpMetrics.InstrumentHandler(mux))

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("civicwire started", "url", fmt.Sprintf("http://localhost:%s", cfg.Server.Port))

	waitForSignal(logger)

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	cancel()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not drain before shutdown timeout")
	}
	logger.Info("shutdown complete")
}

func newQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, func(), error) {
	if cfg.Backend == "memory" {
		q := queue.NewMemoryQueue(1024)
		return q, q.Close, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q, err := queue.NewRedisQueue(ctx, client, queue.RedisConfig{Stream: cfg.Stream})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return q, func() { _ = client.Close() }, nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (blobstore.Store, error) {
	if cfg.Backend == "minio" {
		return blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
	}
	return blobstore.NewFSStore(cfg.Dir)
}

func newIndexer(cfg config.SearchConfig, logger *slog.Logger) (search.Indexer, error) {
	if len(cfg.URLs) == 0 {
		logger.Info("search indexing disabled")
		return search.Noop{}, nil
	}
	return search.NewElasticIndexer(cfg.URLs, cfg.Index, logger)
}

func newLLMScorer(cfg config.EnrichmentConfig, heuristics *enrichment.HeuristicScorer, logger *slog.Logger) enrichment.LLMScorer {
	if cfg.Provider == "stub" {
		logger.Info("using stub LLM scorer")
		return enrichment.NewStubScorer(heuristics)
	}

	oc := enrichment.DefaultOpenAIConfig()
	oc.APIKey = cfg.OpenAIAPIKey
	oc.BaseURL = cfg.OpenAIBaseURL
	if cfg.OpenAIModel != "" {
		oc.Model = cfg.OpenAIModel
	}
	if cfg.PromptVersion != "" {
		oc.PromptVersion = cfg.PromptVersion
	}
	return enrichment.NewOpenAIScorer(oc, logger)
}

func waitForSignal(logger *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received signal", "signal", sig.String())
	signal.Stop(c)
}
