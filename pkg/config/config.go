package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// Environment names recognised by KEEL_ENV.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config holds all application configuration
type Config struct {
	Environment string

	Server        ServerConfig
	Database      postgres.ConnectionConfig
	Redis         postgres.RedisConfig
	Billing       BillingConfig
	Observability ObservabilityConfig
	Janitor       JanitorConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Token bucket for POST /webhooks/{provider}, per provider
	WebhookRatePerSecond float64
	WebhookRateBurst     int
}

// BillingConfig holds provider credentials and entitlement tuning.
type BillingConfig struct {
	PolarWebhookSecret      string
	PolarAccessToken        string
	PolarAPIBaseURL         string
	RevenueCatWebhookSecret string
	// AllowUnsignedWebhooks accepts deliveries for providers without a
	// secret. Never honoured in production.
	AllowUnsignedWebhooks bool

	CatalogPath string

	EntitlementCacheSize int
	EntitlementCacheTTL  time.Duration

	AnalyticsWorkers   int
	AnalyticsQueueSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// JanitorConfig drives the keel-janitor maintenance jobs.
type JanitorConfig struct {
	PruneSchedule     string
	GraceSchedule     string
	WebhookRetention  time.Duration
	AnalyticsLookback time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:   strings.ToLower(getEnv("KEEL_ENV", EnvDevelopment)),
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Billing:       loadBillingConfig(),
		Observability: loadObservabilityConfig(),
		Janitor:       loadJanitorConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:                 getEnv("KEEL_HOST", "0.0.0.0"),
		Port:                 getEnv("KEEL_PORT", "8080"),
		ReadTimeout:          getEnvDuration("KEEL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:         getEnvDuration("KEEL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:          getEnvDuration("KEEL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:      getEnvDuration("KEEL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:           getEnv("KEEL_HEALTH_PORT", "9090"),
		WebhookRatePerSecond: getEnvFloat("KEEL_WEBHOOK_RATE", 50),
		WebhookRateBurst:     getEnvInt("KEEL_WEBHOOK_BURST", 100),
	}
}

func loadDatabaseConfig() postgres.ConnectionConfig {
	cfg := postgres.DefaultConnectionConfig(getEnv("KEEL_DATABASE_URL", ""))
	cfg.ReplicaURLs = postgres.ParseReplicaURLs(getEnv("KEEL_DATABASE_REPLICA_URLS", ""))
	if maxConns := getEnvInt("KEEL_DATABASE_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("KEEL_DATABASE_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("KEEL_DATABASE_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg
}

func loadRedisConfig() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        getEnv("KEEL_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("KEEL_REDIS_PASSWORD", ""),
		DB:         getEnvInt("KEEL_REDIS_DB", 0),
		MaxRetries: getEnvInt("KEEL_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("KEEL_REDIS_POOL_SIZE", 10),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		PolarWebhookSecret:      getEnv("KEEL_POLAR_WEBHOOK_SECRET", ""),
		PolarAccessToken:        getEnv("KEEL_POLAR_ACCESS_TOKEN", ""),
		PolarAPIBaseURL:         getEnv("KEEL_POLAR_API_URL", "https://api.polar.sh"),
		RevenueCatWebhookSecret: getEnv("KEEL_REVENUECAT_WEBHOOK_SECRET", ""),
		AllowUnsignedWebhooks:   getEnvBool("KEEL_WEBHOOK_ALLOW_UNSIGNED", false),
		CatalogPath:             getEnv("KEEL_CATALOG_PATH", ""),
		EntitlementCacheSize:    getEnvInt("KEEL_ENTITLEMENT_CACHE_SIZE", 4096),
		EntitlementCacheTTL:     getEnvDuration("KEEL_ENTITLEMENT_CACHE_TTL", 30*time.Second),
		AnalyticsWorkers:        getEnvInt("KEEL_ANALYTICS_WORKERS", 4),
		AnalyticsQueueSize:      getEnvInt("KEEL_ANALYTICS_QUEUE_SIZE", 1024),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("KEEL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("KEEL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("KEEL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("KEEL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("KEEL_OTEL_SERVICE_NAME", "keel"),
		OTelServiceVersion: getEnv("KEEL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("KEEL_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("KEEL_OTEL_SAMPLE_RATIO", 1.0),
	}
}

func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		PruneSchedule:     getEnv("KEEL_JANITOR_PRUNE_SCHEDULE", "@daily"),
		GraceSchedule:     getEnv("KEEL_JANITOR_GRACE_SCHEDULE", "@hourly"),
		WebhookRetention:  getEnvDuration("KEEL_WEBHOOK_RETENTION", 30*24*time.Hour),
		AnalyticsLookback: getEnvDuration("KEEL_JANITOR_ANALYTICS_LOOKBACK", 24*time.Hour),
	}
}

// IsProduction reports whether KEEL_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.Environment)
	}

	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.WebhookRatePerSecond <= 0 || c.Server.WebhookRateBurst <= 0 {
		return fmt.Errorf("webhook rate and burst must be positive")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if err := c.validateBilling(); err != nil {
		return err
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	if c.Janitor.WebhookRetention < 24*time.Hour {
		return fmt.Errorf("webhook retention must be at least 24h")
	}

	return nil
}

func (c *Config) validateBilling() error {
	b := c.Billing
	if b.AllowUnsignedWebhooks && c.IsProduction() {
		return fmt.Errorf("KEEL_WEBHOOK_ALLOW_UNSIGNED cannot be set in production")
	}
	if !b.AllowUnsignedWebhooks {
		if b.PolarWebhookSecret == "" {
			return fmt.Errorf("polar webhook secret is required (or set KEEL_WEBHOOK_ALLOW_UNSIGNED outside production)")
		}
		if b.RevenueCatWebhookSecret == "" {
			return fmt.Errorf("revenuecat webhook secret is required (or set KEEL_WEBHOOK_ALLOW_UNSIGNED outside production)")
		}
	}
	if b.EntitlementCacheSize <= 0 {
		return fmt.Errorf("entitlement cache size must be positive")
	}
	if b.EntitlementCacheTTL <= 0 {
		return fmt.Errorf("entitlement cache TTL must be positive")
	}
	if b.AnalyticsWorkers <= 0 || b.AnalyticsQueueSize <= 0 {
		return fmt.Errorf("analytics workers and queue size must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
