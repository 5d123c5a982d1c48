package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/keel/pkg/billing"
)

// Service answers queries over recorded subscription events.
type Service struct {
	db *sql.DB
}

// NewService creates a new analytics service
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// TenantEvents returns a tenant's subscription events, newest first.
func (s *Service) TenantEvents(ctx context.Context, tenantID int64, limit int) ([]*billing.AnalyticsEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT name, provider, subscriber_id, tenant_id, event_id, occurred_at, properties
		FROM subscription_events
		WHERE tenant_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription events: %w", err)
	}
	defer rows.Close()

	events := []*billing.AnalyticsEvent{}
	for rows.Next() {
		event := &billing.AnalyticsEvent{}
		var tenant sql.NullInt64
		var props []byte
		if err := rows.Scan(
			&event.Name, &event.Provider, &event.SubscriberID, &tenant,
			&event.EventID, &event.OccurredAt, &props,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription event: %w", err)
		}
		event.TenantID = tenant.Int64
		if len(props) > 0 {
			if err := json.Unmarshal(props, &event.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode event properties: %w", err)
			}
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// CountsSince counts events by name since the given time.
func (s *Service) CountsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT name, COUNT(*)
		FROM subscription_events
		WHERE occurred_at >= $1
		GROUP BY name
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscription events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}
