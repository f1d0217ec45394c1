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
	"finsight/internal/insights"
	"finsight/internal/log"
	"finsight/internal/maintenance"
	"finsight/internal/monitoring"
	"finsight/internal/scheduler"
	"finsight/internal/storage"
)

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

	logger.Info("Starting insight-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
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

	gate := insights.NewGate(repo, insights.WithGateMetrics(metrics))
	caches := cache.NewManager()
	if c, ok := gate.RecentCache().(cache.Cleaner); ok {
		caches.Register(c)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithConfig(cfg.SchedulerConfig()),
		scheduler.WithMetrics(metrics),
	}
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer amqpClient.Close()
		schedOpts = append(schedOpts, scheduler.WithReporter(amqpClient))
	} else {
		logger.Info("AMQP disabled - generation results will not be published")
	}
	sched := scheduler.New(repo, gate, insights.NewSynthesizer(), schedOpts...)

	// Retention runs in the API server; the worker only sweeps its own cache.
	cleaner := maintenance.NewCleaner(nil, nil, caches,
		maintenance.WithMetrics(metrics),
		maintenance.WithLogger(logger.WithComponent(log.ComponentMaintenance).Logger),
	)
	if err := cleaner.Start(); err != nil {
		logger.Error("Failed to schedule maintenance", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(cfg.InsightPollInterval)
		defer ticker.Stop()

		for {
			if _, err := sched.ProcessDueUsers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Due user processing failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	select {
	case <-done:
		logger.Info("Worker shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	}
	<-cleaner.Stop().Done()
}
