package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finsight/internal/amqp"
	"finsight/internal/cache"
	"finsight/internal/config"
	"finsight/internal/log"
	"finsight/internal/maintenance"
	"finsight/internal/monitoring"
	"finsight/internal/notify"
	"finsight/internal/storage"
	"finsight/internal/worker"
)

const alertLookback = 50

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.DefaultConfig().Level
	}
	logger := log.New(log.Config{Level: level, Format: cfg.LogFormat, Component: log.ComponentWorker})
	log.SetDefault(logger)

	logger.Info("Starting notify-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for notify-worker")
		os.Exit(1)
	}

	metrics, err := monitoring.New(monitoring.Options{})
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	hub := notify.NewHub(
		notify.NewLogDisplay(logger.WithComponent(log.ComponentNotify).Logger),
		notify.WithKV(repo.KV()),
		notify.WithSettings(cfg.NotifySettings()),
		notify.WithFlushDelay(cfg.NotifyFlushDelay),
		notify.WithMaxBatch(cfg.NotifyMaxBatch),
		notify.WithMetrics(metrics),
	)
	notifier := worker.NewNotificationWorker(repo, hub, alertLookback)

	caches := cache.NewManager()
	if c, ok := notifier.SeenEvents().(cache.Cleaner); ok {
		caches.Register(c)
	}
	cleaner := maintenance.NewCleaner(nil, hub, caches,
		maintenance.WithMetrics(metrics),
		maintenance.WithLogger(logger.WithComponent(log.ComponentMaintenance).Logger),
	)
	if err := cleaner.Start(); err != nil {
		logger.Error("Failed to schedule maintenance", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := amqpClient.ConsumeGenerationEvents(ctx, notifier.HandleGenerationEvent); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Event consumption failed", "error", err)
			}
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	select {
	case <-cleaner.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	}
	if err := hub.Close(); err != nil {
		logger.Error("Failed to persist notification state", "error", err)
	}
	logger.Info("Worker shutdown complete")
}
