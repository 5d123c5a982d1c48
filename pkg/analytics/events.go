package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/keel/pkg/billing"
)

// EventTracker stores subscription analytics events in the database.
type EventTracker struct {
	db *sql.DB
}

// NewEventTracker creates a new event tracker
func NewEventTracker(db *sql.DB) *EventTracker {
	return &EventTracker{db: db}
}

// Emit records an event. A provider event produces at most one row per name.
func (t *EventTracker) Emit(ctx context.Context, event *billing.AnalyticsEvent) error {
	props, err := json.Marshal(event.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode event properties: %w", err)
	}

	query := `
		INSERT INTO subscription_events (
			name, provider, subscriber_id, tenant_id, event_id, occurred_at, properties
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, event_id, name) DO NOTHING
	`
	_, err = t.db.ExecContext(ctx, query,
		event.Name, event.Provider, event.SubscriberID, nullInt64(event.TenantID),
		event.EventID, event.OccurredAt, string(props),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.Name, err)
	}
	return nil
}

// Helper function to convert zero ids to NULL
func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
