package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/keel/pkg/apperrors"
)

// Store persists subscriptions and webhook idempotency records.
type Store interface {
	// ApplyWebhook records the event id and applies update in one transaction.
	// A nil update only records the event id.
	ApplyWebhook(ctx context.Context, event *WebhookEvent, update *SubscriptionUpdate, now time.Time) (*ApplyResult, error)
	GetSubscriptions(ctx context.Context, tenantID int64) ([]*Subscription, error)
	LinkCustomer(ctx context.Context, provider Provider, customerID string, tenantID int64, now time.Time) error
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
	ListLapsedGraceWindows(ctx context.Context, cutoff time.Time) ([]*Subscription, error)
}

// ApplyResult is the outcome of ApplyWebhook.
type ApplyResult struct {
	Duplicate    bool
	Skipped      bool
	Previous     *Subscription
	Subscription *Subscription
}

// PostgresStore implements Store with database/sql. The SQL also runs on
// sqlite for tests, so timestamps come from the caller rather than NOW().
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, tenant_id, provider, provider_subscription_id, provider_customer_id, plan_id,
	status, current_period_start, current_period_end, cancel_at_period_end, past_due_since,
	last_event_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var periodStart, periodEnd, pastDueSince sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Provider, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID, &sub.PlanID,
		&sub.Status, &periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &pastDueSince,
		&sub.LastEventID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.PastDueSince = nullTimePtr(pastDueSince)
	return sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func transient(op string, err error) error {
	return apperrors.ErrTransientPersistence.WithCause(fmt.Errorf("%s: %w", op, err))
}

// ApplyWebhook implements Store.
func (s *PostgresStore) ApplyWebhook(ctx context.Context, event *WebhookEvent, update *SubscriptionUpdate, now time.Time) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transient("begin transaction", err)
	}
	defer tx.Rollback()

	// Concurrent deliveries of the same event block here on the unique key
	// until the first transaction finishes.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.Provider, event.EventID, event.EventType, now,
	)
	if err != nil {
		return nil, transient("record webhook event", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, transient("record webhook event", err)
	}
	if inserted == 0 {
		return &ApplyResult{Duplicate: true}, nil
	}

	if update == nil {
		if err := tx.Commit(); err != nil {
			return nil, transient("commit", err)
		}
		return &ApplyResult{Skipped: true}, nil
	}

	tenantID, err := s.resolveTenant(ctx, tx, update)
	if err != nil {
		return nil, err
	}

	prior, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 AND provider = $2`,
		tenantID, update.Provider,
	))
	if errors.Is(err, sql.ErrNoRows) {
		prior = nil
	} else if err != nil {
		return nil, transient("load subscription", err)
	}

	next := mergeSubscription(prior, update, tenantID, event.EventID, now)

	err = tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (tenant_id, provider, provider_subscription_id, provider_customer_id, plan_id,
			status, current_period_start, current_period_end, cancel_at_period_end, past_due_since,
			last_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			past_due_since = EXCLUDED.past_due_since,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		next.TenantID, next.Provider, next.ProviderSubscriptionID, next.ProviderCustomerID, next.PlanID,
		next.Status, next.CurrentPeriodStart, next.CurrentPeriodEnd, next.CancelAtPeriodEnd, next.PastDueSince,
		next.LastEventID, next.CreatedAt, next.UpdatedAt,
	).Scan(&next.ID)
	if err != nil {
		return nil, transient("upsert subscription", err)
	}

	if next.ProviderCustomerID != "" {
		if err := linkCustomer(ctx, tx, next.Provider, next.ProviderCustomerID, tenantID, now); err != nil {
			return nil, transient("link customer", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, transient("commit", err)
	}

	return &ApplyResult{Previous: prior, Subscription: next}, nil
}

// resolveTenant prefers the payload's tenant id, then an existing subscription
// for the customer, then the customer link table.
func (s *PostgresStore) resolveTenant(ctx context.Context, tx *sql.Tx, update *SubscriptionUpdate) (int64, error) {
	if update.TenantID != 0 {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`,
			update.TenantID,
		).Scan(&exists)
		if err != nil {
			return 0, transient("check tenant", err)
		}
		if !exists {
			return 0, apperrors.ErrTenantUnresolved.WithMessage(fmt.Sprintf("tenant %d does not exist", update.TenantID))
		}
		return update.TenantID, nil
	}

	candidates := make([]string, 0, 1+len(update.AliasCustomerIDs))
	if update.ProviderCustomerID != "" {
		candidates = append(candidates, update.ProviderCustomerID)
	}
	candidates = append(candidates, update.AliasCustomerIDs...)

	for _, customerID := range candidates {
		if customerID == "" {
			continue
		}
		var tenantID int64
		err := tx.QueryRowContext(ctx,
			`SELECT tenant_id FROM subscriptions WHERE provider = $1 AND provider_customer_id = $2
			ORDER BY updated_at DESC LIMIT 1`,
			update.Provider, customerID,
		).Scan(&tenantID)
		if err == nil {
			return tenantID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, transient("resolve tenant", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT tenant_id FROM billing_customers WHERE provider = $1 AND customer_id = $2`,
			update.Provider, customerID,
		).Scan(&tenantID)
		if err == nil {
			return tenantID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, transient("resolve tenant", err)
		}
	}

	return 0, apperrors.ErrTenantUnresolved.WithMessage(
		fmt.Sprintf("no tenant linked to %s customer %q", update.Provider, update.ProviderCustomerID))
}

// mergeSubscription applies update over prior. Missing values in the update
// keep the stored ones.
func mergeSubscription(prior *Subscription, update *SubscriptionUpdate, tenantID int64, eventID string, now time.Time) *Subscription {
	next := &Subscription{
		TenantID:  tenantID,
		Provider:  update.Provider,
		Status:    StatusNone,
		CreatedAt: now,
	}
	if prior != nil {
		copied := *prior
		next = &copied
	}

	if update.ProviderSubscriptionID != "" {
		next.ProviderSubscriptionID = update.ProviderSubscriptionID
	}
	if update.ProviderCustomerID != "" {
		next.ProviderCustomerID = update.ProviderCustomerID
	}
	if update.PlanID != "" {
		next.PlanID = update.PlanID
	}
	if update.CurrentPeriodStart != nil {
		next.CurrentPeriodStart = update.CurrentPeriodStart
	}
	if update.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = update.CurrentPeriodEnd
	}

	if !update.PreserveStatus || prior == nil {
		next.Status = update.Status
		next.CancelAtPeriodEnd = update.CancelAtPeriodEnd
	}

	if next.Status == StatusPastDue {
		if prior == nil || prior.Status != StatusPastDue || prior.PastDueSince == nil {
			since := update.OccurredAt
			if since.IsZero() {
				since = now
			}
			next.PastDueSince = &since
		}
	} else {
		next.PastDueSince = nil
	}

	next.LastEventID = eventID
	next.UpdatedAt = now
	return next
}

func linkCustomer(ctx context.Context, tx *sql.Tx, provider Provider, customerID string, tenantID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO billing_customers (provider, customer_id, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, customer_id) DO NOTHING`,
		provider, customerID, tenantID, now,
	)
	return err
}

// LinkCustomer records which tenant a provider customer belongs to. An
// existing link is repointed to tenantID.
func (s *PostgresStore) LinkCustomer(ctx context.Context, provider Provider, customerID string, tenantID int64, now time.Time) error {
	if customerID == "" {
		return apperrors.ErrBadRequest.WithMessage("customer_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_customers (provider, customer_id, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, customer_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
		provider, customerID, tenantID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// GetSubscriptions returns every provider subscription of a tenant, newest first.
func (s *PostgresStore) GetSubscriptions(ctx context.Context, tenantID int64) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 ORDER BY updated_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// PruneWebhookEvents deletes idempotency records received before the cutoff.
func (s *PostgresStore) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return res.RowsAffected()
}

// ListLapsedGraceWindows returns past_due subscriptions whose failure is older
// than cutoff.
func (s *PostgresStore) ListLapsedGraceWindows(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND past_due_since IS NOT NULL AND past_due_since <= $2
		ORDER BY past_due_since ASC`,
		StatusPastDue, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed grace windows: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
