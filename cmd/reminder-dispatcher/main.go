package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/admin"
	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/logging"
	"github.com/zoff-tech/go-reminder-outbox/pkg/processor"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/pkg/telemetry"
)

const defaultConfigPath = "./cmd/reminder-dispatcher"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; the environment may be set by the platform
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Error loading .env file: %v", err)
	}

	// Load and validate configuration from file and environment
	configPath := defaultConfigPath
	if p, ok := os.LookupEnv("REMINDER_CONFIG_PATH"); ok {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Failed to close repository", zap.Error(err))
		}
	}()

	// Initialize the delivery transport
	sender, err := delivery.NewSender(ctx, cfg.Sender, cfg.Dispatcher.SendTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to initialize sender", zap.Error(err))
	}
	defer func() {
		if err := sender.Close(); err != nil {
			logger.Warn("Failed to close sender", zap.Error(err))
		}
	}()

	pcfg := processor.ConfigFromSettings(cfg)
	detector := processor.NewReminderDetector(repo, sender, pcfg, logger)
	var dispatcher *processor.OutboxProcessor
	if cfg.OutboxEnabled {
		dispatcher = processor.NewOutboxProcessor(repo, sender, pcfg, logger)
	}
	runner := processor.NewRunner(detector, dispatcher, pcfg, logger)

	handler := admin.NewHandler(
		processor.NewSendNowService(repo, sender, pcfg, logger),
		processor.NewRequeueService(repo, pcfg, logger),
		logger,
	)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { runner.Run(ctx) })
	lifecycle.Go(func() {
		logger.Info("admin server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
			stop()
		}
	})

	logger.Info("reminder dispatcher started",
		zap.Bool("outbox_enabled", cfg.OutboxEnabled),
		zap.String("database", cfg.Database.Type),
		zap.String("sender", cfg.Sender.Type),
	)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}
	lifecycle.Wait()
	logger.Info("reminder dispatcher stopped")
}
