package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/keel/pkg/analytics"
	"github.com/platinummonkey/keel/pkg/api"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/config"
	"github.com/platinummonkey/keel/pkg/middleware"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)
	logger.Infof("Starting keel %s (%s)", version, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if otelProviders != nil {
		shutdown.Register("otel", otelProviders.Shutdown)
	}

	// Storage
	connections, err := postgres.NewConnectionManager(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	shutdown.Register("postgres", func(context.Context) error { return connections.Close() })

	if err := postgres.Migrate(ctx, connections.Primary()); err != nil {
		return err
	}

	redisClient, err := postgres.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Billing
	catalog, err := billing.NewCatalogSource(cfg.Billing.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}
	store := billing.NewPostgresStore(connections.Primary())
	entitlements := billing.NewEntitlementService(store, catalog, billing.EntitlementConfig{
		CacheSize: cfg.Billing.EntitlementCacheSize,
		CacheTTL:  cfg.Billing.EntitlementCacheTTL,
	}, metrics)
	invalidation := billing.NewRedisInvalidationBus(redisClient, entitlements, logger)

	emitter := analytics.NewAsyncEmitter(ctx, analytics.MultiEmitter{
		analytics.NewEventTracker(connections.Primary()),
		analytics.NewLogEmitter(logger),
	}, analytics.AsyncConfig{
		Workers:   cfg.Billing.AnalyticsWorkers,
		QueueSize: cfg.Billing.AnalyticsQueueSize,
	}, metrics, logger)
	// Registered after postgres so queued events drain while it is still open.
	shutdown.Register("analytics", func(context.Context) error { return emitter.Close(5 * time.Second) })

	allowUnsigned := cfg.Billing.AllowUnsignedWebhooks && !cfg.IsProduction()
	adapters := billing.NewRegistry(
		billing.NewPolarAdapter(billing.PolarConfig{
			WebhookSecret: cfg.Billing.PolarWebhookSecret,
			AllowUnsigned: allowUnsigned,
			APIBaseURL:    cfg.Billing.PolarAPIBaseURL,
			AccessToken:   cfg.Billing.PolarAccessToken,
		}, logger),
		billing.NewRevenueCatAdapter(billing.RevenueCatConfig{
			WebhookSecret: cfg.Billing.RevenueCatWebhookSecret,
			AllowUnsigned: allowUnsigned,
		}, logger),
	)
	for _, p := range adapters.UnsignedProviders() {
		if allowUnsigned {
			logger.WithField("provider", string(p)).Warn("Webhook secret not set, unsigned deliveries will be accepted")
		} else {
			logger.WithField("provider", string(p)).Warn("Webhook secret not set, all deliveries will be rejected")
		}
	}
	reconciler := billing.NewReconciler(
		adapters,
		store,
		logger,
		billing.WithAnalyticsEmitter(emitter),
		billing.WithCacheInvalidator(invalidation),
		billing.WithMetrics(metrics),
	)

	// Webhook ingress is limited per provider and source across instances,
	// falling back to in-process buckets while Redis is unavailable.
	rateConfig := middleware.RateLimitConfig{
		RatePerSecond: cfg.Server.WebhookRatePerSecond,
		Burst:         cfg.Server.WebhookRateBurst,
	}
	localLimiter := middleware.NewRateLimiter(rateConfig)
	localLimiter.StartCleanup(ctx, time.Minute, logger)
	webhookLimiter := middleware.RateLimit(
		middleware.NewDistributedRateLimiter(redisClient, rateConfig, "keel:ratelimit:webhooks", localLimiter),
		middleware.KeyByProviderAndIP,
		time.Second,
	)

	tenantService := tenants.NewPostgresService(connections.Primary())
	guards := api.Guards{
		Sessions: auth.NewRedisSessionStore(redisClient),
		Tenants:  tenantService,
		Features: entitlements,
		Metrics:  metrics,
	}
	server := api.NewServer(logger, metrics,
		api.NewTenantHandlers(tenantService, guards),
		api.NewBillingHandlers(reconciler, entitlements, store, analytics.NewService(connections.Replica()), guards, webhookLimiter),
	)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "keel"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(connections.Primary(), redisClient, version)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Servers stop first, then background workers and stores.
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("api server", apiServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("API listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health and metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return catalog.Watch(gctx)
	})
	g.Go(func() error {
		ready := make(chan struct{})
		go func() {
			select {
			case <-ready:
				logger.Info("Subscribed to entitlement invalidations")
			case <-gctx.Done():
			}
		}()
		return invalidation.Run(gctx, ready)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}
