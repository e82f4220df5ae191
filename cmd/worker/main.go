package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"photo_pipeline/internal/broker"
	"photo_pipeline/internal/config"
	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/processor"
	"photo_pipeline/internal/scheduler"
	"photo_pipeline/internal/service"
	"photo_pipeline/internal/storage/postgres"
	"photo_pipeline/internal/telemetry"
	"photo_pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug("maxprocs", "message", format, "args", args)
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName + "-worker",
		Endpoint:    cfg.Telemetry.Endpoint,
	})
	if err != nil {
		logger.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	db, err := postgres.Connect(ctx, cfg.Database.DSN(), cfg.Database.Migrate)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	// Stores
	taskStore := postgres.NewTaskStore(db)
	photoStore := postgres.NewPhotoStore(db)
	quarantineStore := postgres.NewQuarantineStore(db)
	placeStore := postgres.NewPlaceSummaryStore(db)
	dayBlockStore := postgres.NewDayBlockStore(db)
	entryStore := postgres.NewMetadataEntryStore(db)
	txManager := postgres.NewTransactionManager(db)

	ledger := service.NewLedgerService(taskStore, photoStore, txManager, logger)

	registry, err := buildRegistry(cfg.Processors, logger)
	if err != nil {
		logger.Error("failed to configure processors", "error", err)
		os.Exit(1)
	}

	retry, err := worker.NewRetryPolicy(cfg.Worker.RetryStrategy, cfg.Worker.RetryDelay, cfg.Worker.MaxRetryDelay)
	if err != nil {
		logger.Error("invalid retry policy", "error", err)
		os.Exit(1)
	}

	handler := worker.NewHandler(ledger, registry, quarantineStore, worker.HandlerConfig{
		APITimeout: cfg.Worker.APITimeout,
		MaxRetries: cfg.Worker.MaxRetries,
		Retry:      retry,
	}, logger)

	consumer := broker.NewConsumer(broker.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
		Prefetch:   cfg.Worker.Prefetch,
	}, logger)
	defer consumer.Close()

	pool := worker.NewPool(consumer, handler, worker.PoolConfig{
		Count:               cfg.Worker.Count,
		ReconnectMaxElapsed: cfg.Worker.ReconnectMaxElapsed,
	}, logger)

	aggregates := service.NewAggregateService(photoStore, placeStore, dayBlockStore, entryStore, logger, service.AggregateOptions{
		CoordinatePrecision: cfg.Aggregate.CoordinatePrecision,
		BatchSize:           cfg.Aggregate.BatchSize,
		MetadataSource:      cfg.Aggregate.MetadataSource,
	})
	sched := scheduler.NewScheduler("aggregate", aggregates.Run, cfg.Aggregate.Interval, cfg.Aggregate.Timeout, logger)

	logger.Info("starting enrichment worker",
		"workers", cfg.Worker.Count,
		"prefetch", cfg.Worker.Prefetch,
		"processors", registry.Types(),
		"max_retries", cfg.Worker.MaxRetries,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown complete")
}

func buildRegistry(cfg config.ProcessorsConfig, logger *slog.Logger) (*processor.Registry, error) {
	registry := processor.NewRegistry()
	client := &http.Client{}

	for _, ep := range cfg.Endpoints {
		taskType, err := domain.ParseTaskType(ep.Type)
		if err != nil {
			return nil, err
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
		registry.Register(taskType, processor.NewHTTPProcessor(taskType, ep.URL, client, limiter, logger))
	}
	return registry, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
