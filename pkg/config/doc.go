// Package config provides application configuration management from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	KEEL_ENV="production"  # development, staging, production
//	KEEL_HOST="0.0.0.0"
//	KEEL_PORT="8080"
//	KEEL_HEALTH_PORT="9090"
//	KEEL_WEBHOOK_RATE="50"
//	KEEL_WEBHOOK_BURST="100"
//
// Storage settings:
//
//	KEEL_DATABASE_URL="postgres://localhost/keel"
//	KEEL_DATABASE_REPLICA_URLS="postgres://replica1/keel,postgres://replica2/keel"
//	KEEL_REDIS_URL="redis://localhost:6379"
//
// Billing settings:
//
//	KEEL_POLAR_WEBHOOK_SECRET="..."
//	KEEL_POLAR_ACCESS_TOKEN="..."
//	KEEL_REVENUECAT_WEBHOOK_SECRET="..."
//	KEEL_WEBHOOK_ALLOW_UNSIGNED="false"  # refused when KEEL_ENV=production
//	KEEL_CATALOG_PATH="/etc/keel/catalog.yaml"
//	KEEL_ENTITLEMENT_CACHE_TTL="30s"
//
// Observability settings:
//
//	KEEL_LOG_LEVEL="info"  # debug, info, warn, error
//	KEEL_OTEL_ENABLED="true"
//	KEEL_OTEL_ENDPOINT="otel-collector:4317"
//
// Janitor settings:
//
//	KEEL_JANITOR_PRUNE_SCHEDULE="@daily"
//	KEEL_WEBHOOK_RETENTION="720h"
package config
