package billing

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3" // SQLite driver for testing
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperrors"
)

// sqliteSchema mirrors the billing tables of the Postgres migrations.
const sqliteSchema = `
CREATE TABLE tenants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE webhook_events (
	provider TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, event_id)
);

CREATE TABLE subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id INTEGER NOT NULL REFERENCES tenants(id),
	provider TEXT NOT NULL,
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	provider_customer_id TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_period_start TIMESTAMP,
	current_period_end TIMESTAMP,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
	past_due_since TIMESTAMP,
	last_event_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, provider)
);

CREATE TABLE billing_customers (
	provider TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	tenant_id INTEGER NOT NULL REFERENCES tenants(id),
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, customer_id)
);

INSERT INTO tenants (id, name) VALUES (1, 'Acme'), (2, 'Globex');
`

// setupTestDB creates a file-backed SQLite database on a single connection,
// so transactions from concurrent callers run one after another. Truly
// parallel deliveries are covered against Postgres in the integration tests.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func testEvent(id string) *WebhookEvent {
	return &WebhookEvent{Provider: ProviderRevenueCat, EventID: id, EventType: "RENEWAL"}
}

func testUpdate(tenantID int64, status SubscriptionStatus, at time.Time) *SubscriptionUpdate {
	end := at.Add(30 * 24 * time.Hour)
	return &SubscriptionUpdate{
		Provider:               ProviderRevenueCat,
		EventKind:              EventRenewal,
		TenantID:               tenantID,
		ProviderSubscriptionID: "txn_1",
		ProviderCustomerID:     "user_1",
		SubscriberID:           "user_1",
		PlanID:                 "pro_monthly",
		Status:                 status,
		CurrentPeriodEnd:       &end,
		OccurredAt:             at,
	}
}

func TestPostgresStore_ApplyWebhook(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates subscription", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		res, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusActive, now), now)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Nil(t, res.Previous)
		require.NotNil(t, res.Subscription)
		assert.NotZero(t, res.Subscription.ID)

		subs, err := store.GetSubscriptions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		sub := subs[0]
		assert.Equal(t, StatusActive, sub.Status)
		assert.Equal(t, "pro_monthly", sub.PlanID)
		assert.Equal(t, "e1", sub.LastEventID)
		assert.Nil(t, sub.PastDueSince)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.WithinDuration(t, now.Add(30*24*time.Hour), *sub.CurrentPeriodEnd, time.Second)
	})

	t.Run("duplicate event is a no-op", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		_, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusActive, now), now)
		require.NoError(t, err)

		res, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusExpired, now), now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Duplicate)

		subs, err := store.GetSubscriptions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, StatusActive, subs[0].Status)
	})

	t.Run("nil update records the event only", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		res, err := store.ApplyWebhook(ctx, testEvent("e1"), nil, now)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, 1, countRows(t, db, "webhook_events"))
		assert.Equal(t, 0, countRows(t, db, "subscriptions"))
	})

	t.Run("one row per tenant and provider", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		_, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusActive, now), now)
		require.NoError(t, err)
		res, err := store.ApplyWebhook(ctx, testEvent("e2"), testUpdate(1, StatusCanceled, now), now.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, res.Previous)
		assert.Equal(t, StatusActive, res.Previous.Status)
		assert.Equal(t, StatusCanceled, res.Subscription.Status)
		assert.Equal(t, 1, countRows(t, db, "subscriptions"))
	})

	t.Run("unresolved tenant rolls back the event record", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		update := testUpdate(0, StatusActive, now)
		update.ProviderCustomerID = "stranger"
		_, err := store.ApplyWebhook(ctx, testEvent("e1"), update, now)
		assert.ErrorIs(t, err, apperrors.ErrTenantUnresolved)
		assert.Equal(t, 0, countRows(t, db, "webhook_events"))

		_, err = store.ApplyWebhook(ctx, testEvent("e2"), testUpdate(99, StatusActive, now), now)
		assert.ErrorIs(t, err, apperrors.ErrTenantUnresolved)
	})

	t.Run("resolves tenant through customer link", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)
		require.NoError(t, store.LinkCustomer(ctx, ProviderRevenueCat, "user_1", 2, now))

		res, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(0, StatusActive, now), now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Subscription.TenantID)
	})

	t.Run("resolves tenant through prior subscription and alias", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		_, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(2, StatusActive, now), now)
		require.NoError(t, err)

		transfer := testUpdate(0, StatusActive, now)
		transfer.EventKind = EventTransfer
		transfer.ProviderCustomerID = "user_new"
		transfer.AliasCustomerIDs = []string{"user_1"}
		transfer.PreserveStatus = true
		res, err := store.ApplyWebhook(ctx, testEvent("e2"), transfer, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Subscription.TenantID)
		assert.Equal(t, "user_new", res.Subscription.ProviderCustomerID)

		// the new customer id is linked for later events
		res, err = store.ApplyWebhook(ctx, testEvent("e3"), func() *SubscriptionUpdate {
			u := testUpdate(0, StatusActive, now)
			u.ProviderCustomerID = "user_new"
			return u
		}(), now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Subscription.TenantID)
	})

	t.Run("past due keeps first failure time", func(t *testing.T) {
		db := setupTestDB(t)
		store := NewPostgresStore(db)

		_, err := store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusPastDue, now), now)
		require.NoError(t, err)
		later := now.Add(48 * time.Hour)
		res, err := store.ApplyWebhook(ctx, testEvent("e2"), testUpdate(1, StatusPastDue, later), later)
		require.NoError(t, err)
		require.NotNil(t, res.Subscription.PastDueSince)
		assert.WithinDuration(t, now, *res.Subscription.PastDueSince, time.Second)

		subs, err := store.GetSubscriptions(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, subs[0].PastDueSince)
		assert.WithinDuration(t, now, *subs[0].PastDueSince, time.Second)

		res, err = store.ApplyWebhook(ctx, testEvent("e3"), testUpdate(1, StatusActive, later), later)
		require.NoError(t, err)
		assert.Nil(t, res.Subscription.PastDueSince)
	})
}

// Deliveries race to the pool but the single SQLite connection applies them
// in turn; this checks the duplicate bookkeeping, not row locking.
func TestPostgresStore_SerializedDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := setupTestDB(t)
	store := NewPostgresStore(db)

	const deliveries = 8
	results := make(chan *ApplyResult, deliveries)
	errs := make(chan error, deliveries)
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		go func() {
			<-start
			res, err := store.ApplyWebhook(ctx, testEvent("same"), testUpdate(1, StatusActive, now), now)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	close(start)

	applied, duplicates := 0, 0
	for i := 0; i < deliveries; i++ {
		select {
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case res := <-results:
			if res.Duplicate {
				duplicates++
			} else {
				applied++
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	assert.Equal(t, 1, applied)
	assert.Equal(t, deliveries-1, duplicates)
	assert.Equal(t, 1, countRows(t, db, "subscriptions"))
	assert.Equal(t, 1, countRows(t, db, "webhook_events"))
}

func TestPostgresStore_PruneWebhookEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := setupTestDB(t)
	store := NewPostgresStore(db)

	_, err := store.ApplyWebhook(ctx, testEvent("old"), nil, now.Add(-60*24*time.Hour))
	require.NoError(t, err)
	_, err = store.ApplyWebhook(ctx, testEvent("new"), nil, now)
	require.NoError(t, err)

	n, err := store.PruneWebhookEvents(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, countRows(t, db, "webhook_events"))
}

func TestPostgresStore_TransientErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("revenuecat", "e1", "RENEWAL", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE tenant_id = \$1 AND provider = \$2`).
		WithArgs(int64(1), "revenuecat").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err = store.ApplyWebhook(ctx, testEvent("e1"), testUpdate(1, StatusActive, now), now)
	assert.ErrorIs(t, err, apperrors.ErrTransientPersistence)
	assert.True(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLapsedGraceWindows(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	since := cutoff.Add(-time.Hour)
	cols := []string{"id", "tenant_id", "provider", "provider_subscription_id", "provider_customer_id", "plan_id",
		"status", "current_period_start", "current_period_end", "cancel_at_period_end", "past_due_since",
		"last_event_id", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM subscriptions\s+WHERE status = \$1 AND past_due_since IS NOT NULL AND past_due_since <= \$2`).
		WithArgs("past_due", cutoff).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			5, 1, "polar", "sub_1", "cus_1", "pro_monthly",
			"past_due", nil, nil, false, since,
			"evt_1", since, since,
		))

	subs, err := store.ListLapsedGraceWindows(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, ProviderPolar, subs[0].Provider)
	require.NotNil(t, subs[0].PastDueSince)
	assert.Equal(t, since, *subs[0].PastDueSince)
	assert.Nil(t, subs[0].CurrentPeriodEnd)
	assert.NoError(t, mock.ExpectationsWereMet())
}
