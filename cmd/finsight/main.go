package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finsight/internal/amqp"
	"finsight/internal/cache"
	"finsight/internal/config"
	apphttp "finsight/internal/http"
	"finsight/internal/insights"
	"finsight/internal/log"
	"finsight/internal/maintenance"
	"finsight/internal/monitoring"
	"finsight/internal/notify"
	"finsight/internal/scheduler"
	"finsight/internal/storage"
)

const inboxSize = 100

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.DefaultConfig().Level
	}
	logger := log.New(log.Config{Level: level, Format: cfg.LogFormat})
	log.SetDefault(logger)

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

	inbox := notify.NewInbox(inboxSize)
	hub := notify.NewHub(
		notify.Displays{notify.NewLogDisplay(logger.WithComponent(log.ComponentNotify).Logger), inbox},
		notify.WithKV(repo.KV()),
		notify.WithSettings(cfg.NotifySettings()),
		notify.WithFlushDelay(cfg.NotifyFlushDelay),
		notify.WithMaxBatch(cfg.NotifyMaxBatch),
		notify.WithMetrics(metrics),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithConfig(cfg.SchedulerConfig()),
		scheduler.WithReporter(scheduler.NewNotifyReporter(hub)),
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
		logger.Info("Publishing generation events", "exchange", cfg.AMQPExchange)
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}
	sched := scheduler.New(repo, gate, insights.NewSynthesizer(), schedOpts...)

	cleaner := maintenance.NewCleaner(repo, hub, caches,
		maintenance.WithRetentionDays(cfg.InsightRetentionDays),
		maintenance.WithPurgeSchedule(cfg.InsightCleanupSchedule),
		maintenance.WithMetrics(metrics),
		maintenance.WithLogger(logger.WithComponent(log.ComponentMaintenance).Logger),
	)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Store:                 repo,
		Generator:             sched,
		Notifications:         hub,
		Inbox:                 inbox,
		Metrics:               metrics,
		Logger:                logger,
		RateLimitPerMinute:    cfg.RateLimitPerMinute,
		DefaultTimezone:       cfg.DefaultTimezone,
		MinGenerationInterval: cfg.InsightMinInterval,
		BlockSuspicious:       cfg.BlockSuspicious,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start insight scheduler", "error", err)
		os.Exit(1)
	}
	if err := cleaner.Start(); err != nil {
		logger.Error("Failed to schedule maintenance", "error", err)
		os.Exit(1)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("Scheduler shutdown error", "error", err)
		}
		select {
		case <-cleaner.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Maintenance jobs still running at shutdown")
		}
		if err := hub.Close(); err != nil {
			logger.Error("Failed to persist notification state", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting finsight server", "port", cfg.Port, "db", cfg.SQLiteDBPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
