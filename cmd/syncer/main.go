package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"photo_pipeline/internal/broker"
	"photo_pipeline/internal/config"
	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/scheduler"
	"photo_pipeline/internal/service"
	"photo_pipeline/internal/source/local"
	"photo_pipeline/internal/source/s3"
	"photo_pipeline/internal/storage/postgres"
)

const watchDebounce = 2 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := postgres.Connect(ctx, cfg.Database.DSN(), cfg.Database.Migrate)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	taskTypes := make([]domain.TaskType, 0, len(cfg.Sync.TaskTypes))
	for _, name := range cfg.Sync.TaskTypes {
		taskType, err := domain.ParseTaskType(name)
		if err != nil {
			logger.Error("invalid task type", "error", err)
			os.Exit(1)
		}
		taskTypes = append(taskTypes, taskType)
	}

	client, err := s3.NewClient(ctx, s3.Config{
		Endpoint:       cfg.Storage.Endpoint,
		Region:         cfg.Storage.Region,
		AccessKey:      cfg.Storage.AccessKey,
		SecretKey:      cfg.Storage.SecretKey,
		ForcePathStyle: cfg.Storage.ForcePathStyle,
	})
	if err != nil {
		logger.Error("failed to create s3 client", "error", err)
		os.Exit(1)
	}
	lister := s3.NewLister(client, cfg.Storage.PageSize, logger)

	// Initialize RabbitMQ publisher
	publisher, err := broker.NewPublisher(broker.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Initialize stores
	taskStore := postgres.NewTaskStore(db)
	photoStore := postgres.NewPhotoStore(db)
	entryStore := postgres.NewMetadataEntryStore(db)
	quarantineStore := postgres.NewQuarantineStore(db)
	txManager := postgres.NewTransactionManager(db)

	dispatcher := service.NewDispatcher(taskStore, publisher, logger)

	syncService := service.NewSyncService(
		lister,
		photoStore,
		entryStore,
		quarantineStore,
		txManager,
		dispatcher,
		logger,
		service.SyncOptions{
			Bucket:         cfg.Storage.Bucket,
			Prefix:         cfg.Storage.Prefix,
			BatchSize:      cfg.Sync.BatchSize,
			TaskTypes:      taskTypes,
			MetadataSource: cfg.Aggregate.MetadataSource,
		},
	)

	sched := scheduler.NewScheduler("sync", func(ctx context.Context) error {
		_, err := syncService.Sync(ctx)
		return err
	}, cfg.Sync.Interval, cfg.Sync.Timeout, logger)

	// LocalDir backs the bucket; a change there only schedules an early pass
	// over the bucket listing.
	if cfg.Sync.Watch && cfg.Sync.LocalDir != "" {
		watcher := local.NewWatcher(cfg.Sync.LocalDir, watchDebounce, sched.Trigger, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("failed to watch bucket directory", "dir", cfg.Sync.LocalDir, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting photo syncer",
		"bucket", cfg.Storage.Bucket,
		"prefix", cfg.Storage.Prefix,
		"interval", cfg.Sync.Interval,
		"task_types", cfg.Sync.TaskTypes,
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
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
