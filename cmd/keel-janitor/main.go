package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/keel/pkg/analytics"
	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/config"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

var (
	logLevel    = flag.String("log-level", getEnv("KEEL_JANITOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	metricsAddr = flag.String("metrics-addr", getEnv("KEEL_JANITOR_METRICS_ADDR", ":9091"), "Address serving /metrics; empty disables it")
	runOnce     = flag.Bool("run-once", false, "Run every job once and exit")
)

// keel-janitor prunes idempotency records and reports lapsed grace windows
// and subscription event counts on a schedule.
func main() {
	flag.Parse()
	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Quiet the shared connection manager; the janitor logs through logrus.
	connections, err := postgres.NewConnectionManager(ctx, cfg.Database, observability.NopLogger())
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer connections.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	j := &janitor{
		store:     billing.NewPostgresStore(connections.Primary()),
		events:    analytics.NewService(connections.Replica()),
		metrics:   metrics,
		logger:    logger,
		retention: cfg.Janitor.WebhookRetention,
		lookback:  cfg.Janitor.AnalyticsLookback,
		now:       time.Now,
	}

	// Run once mode (for testing or ad-hoc maintenance)
	if *runOnce {
		if err := j.runAll(ctx); err != nil {
			logger.Fatalf("Janitor run failed: %v", err)
		}
		logger.Info("Janitor run completed successfully")
		return
	}

	if *metricsAddr != "" {
		server := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer server.Close()
	}

	c := cron.New()

	_, err = c.AddFunc(cfg.Janitor.PruneSchedule, func() {
		if _, err := j.pruneWebhookEvents(ctx); err != nil {
			logger.Errorf("Webhook event prune failed: %v", err)
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule webhook event prune: %v", err)
	}

	_, err = c.AddFunc(cfg.Janitor.GraceSchedule, func() {
		if _, err := j.reportLapsedGraceWindows(ctx); err != nil {
			logger.Errorf("Grace window check failed: %v", err)
		}
		if err := j.reportEventCounts(ctx); err != nil {
			logger.Errorf("Subscription event report failed: %v", err)
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule grace window check: %v", err)
	}

	c.Start()
	logger.Info("keel janitor started")
	logger.Infof("Prune schedule: %s (retention %s)", cfg.Janitor.PruneSchedule, cfg.Janitor.WebhookRetention)
	logger.Infof("Grace window schedule: %s", cfg.Janitor.GraceSchedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")
	cancel()

	// Stop the cron scheduler
	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Janitor stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
