package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/webhooks"
)

const testRevenueCatSecret = "rc-secret"

type recordingEmitter struct {
	mu     sync.Mutex
	events []*AnalyticsEvent
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, event *AnalyticsEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		names = append(names, ev.Name)
	}
	return names
}

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []int64
}

func (r *recordingInvalidator) Invalidate(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) ApplyWebhook(ctx context.Context, event *WebhookEvent, update *SubscriptionUpdate, now time.Time) (*ApplyResult, error) {
	return nil, s.err
}

type reconcilerFixture struct {
	reconciler  *Reconciler
	store       *PostgresStore
	emitter     *recordingEmitter
	invalidator *recordingInvalidator
	metrics     *observability.Metrics
	now         time.Time
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		store:       NewPostgresStore(setupTestDB(t)),
		emitter:     &recordingEmitter{},
		invalidator: &recordingInvalidator{},
		metrics:     observability.NewTestMetrics(),
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := observability.NopLogger()
	registry := NewRegistry(
		NewRevenueCatAdapter(RevenueCatConfig{WebhookSecret: testRevenueCatSecret}, logger),
		NewPolarAdapter(PolarConfig{WebhookSecret: "polar-secret"}, logger),
	)
	f.reconciler = NewReconciler(registry, f.store, logger,
		WithAnalyticsEmitter(f.emitter),
		WithCacheInvalidator(f.invalidator),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *reconcilerFixture) deliver(t *testing.T, fields map[string]interface{}) (*ReconcileResult, error) {
	t.Helper()
	payload := revenueCatPayload(t, fields)
	return f.reconciler.Process(context.Background(), ProviderRevenueCat, payload,
		webhooks.GenerateSignature(payload, testRevenueCatSecret))
}

func tenantFields(id, eventType string, expiresAt time.Time, tenantID string) map[string]interface{} {
	fields := revenueCatEventFields(id, eventType, expiresAt)
	fields["subscriber_attributes"] = map[string]interface{}{"tenant_id": map[string]interface{}{"value": tenantID}}
	return fields
}

func TestReconciler_Process(t *testing.T) {
	t.Run("applies purchase and emits analytics", func(t *testing.T) {
		f := newReconcilerFixture(t)
		res, err := f.deliver(t, tenantFields("e1", "INITIAL_PURCHASE", f.now.Add(30*24*time.Hour), "1"))
		require.NoError(t, err)
		assert.Equal(t, "processed", res.Outcome())
		require.NotNil(t, res.Subscription)
		assert.Equal(t, StatusActive, res.Subscription.Status)

		assert.Equal(t, []string{AnalyticsSubscriptionStarted}, f.emitter.names())
		assert.Equal(t, int64(1), f.emitter.events[0].TenantID)
		assert.Equal(t, []int64{1}, f.invalidator.tenants)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookEventsTotal.WithLabelValues("revenuecat", "processed")))
	})

	t.Run("redelivery does not emit twice", func(t *testing.T) {
		f := newReconcilerFixture(t)
		fields := tenantFields("e1", "RENEWAL", f.now.Add(30*24*time.Hour), "1")

		_, err := f.deliver(t, fields)
		require.NoError(t, err)
		res, err := f.deliver(t, fields)
		require.NoError(t, err)
		assert.Equal(t, "duplicate", res.Outcome())

		assert.Equal(t, []string{AnalyticsSubscriptionRenewed}, f.emitter.names())
		assert.Len(t, f.invalidator.tenants, 1)
	})

	t.Run("billing issue starts grace window", func(t *testing.T) {
		f := newReconcilerFixture(t)
		_, err := f.deliver(t, tenantFields("e1", "INITIAL_PURCHASE", f.now.Add(30*24*time.Hour), "1"))
		require.NoError(t, err)

		res, err := f.deliver(t, tenantFields("e2", "BILLING_ISSUE", f.now.Add(30*24*time.Hour), "1"))
		require.NoError(t, err)
		sub := res.Subscription
		assert.Equal(t, StatusPastDue, sub.Status)
		require.NotNil(t, sub.PastDueSince)

		assert.Equal(t, AccessFull, DeriveAccess(sub, sub.PastDueSince.Add(6*24*time.Hour)))
		assert.Equal(t, AccessDegraded, DeriveAccess(sub, sub.PastDueSince.Add(8*24*time.Hour)))
		assert.Equal(t, []string{AnalyticsSubscriptionStarted, AnalyticsSubscriptionPaymentFailed}, f.emitter.names())
	})

	t.Run("test event is ignored", func(t *testing.T) {
		f := newReconcilerFixture(t)
		res, err := f.deliver(t, tenantFields("e1", "TEST", f.now, "1"))
		require.NoError(t, err)
		assert.Equal(t, "ignored", res.Outcome())
		assert.Empty(t, f.emitter.names())
		assert.Empty(t, f.invalidator.tenants)
	})

	t.Run("bad signature", func(t *testing.T) {
		f := newReconcilerFixture(t)
		payload := revenueCatPayload(t, tenantFields("e1", "RENEWAL", f.now, "1"))
		_, err := f.reconciler.Process(context.Background(), ProviderRevenueCat, payload,
			webhooks.GenerateSignature(payload, "wrong"))
		assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)

		subs, err := f.store.GetSubscriptions(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("malformed payload", func(t *testing.T) {
		f := newReconcilerFixture(t)
		payload := []byte(`{"api_version":"1.0"}`)
		_, err := f.reconciler.Process(context.Background(), ProviderRevenueCat, payload,
			webhooks.GenerateSignature(payload, testRevenueCatSecret))
		assert.ErrorIs(t, err, apperrors.ErrMalformedWebhook)
		assert.False(t, apperrors.IsRetryable(err))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newReconcilerFixture(t)
		_, err := f.reconciler.Process(context.Background(), Provider("stripe"), []byte(`{}`), "")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("unresolved tenant can be retried after linking", func(t *testing.T) {
		f := newReconcilerFixture(t)
		fields := revenueCatEventFields("e1", "RENEWAL", f.now.Add(time.Hour))

		_, err := f.deliver(t, fields)
		assert.ErrorIs(t, err, apperrors.ErrTenantUnresolved)

		require.Len(t, f.emitter.events, 1)
		assert.Equal(t, AnalyticsSubscriptionRenewed, f.emitter.events[0].Name)
		assert.Zero(t, f.emitter.events[0].TenantID)

		require.NoError(t, f.store.LinkCustomer(context.Background(), ProviderRevenueCat, "user_1", 2, f.now))
		res, err := f.deliver(t, fields)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Subscription.TenantID)
		require.Len(t, f.emitter.events, 2)
		assert.Equal(t, int64(2), f.emitter.events[1].TenantID)
	})

	t.Run("persistence failure still emits analytics", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.reconciler.store = failingStore{Store: f.store, err: apperrors.ErrTransientPersistence}

		_, err := f.deliver(t, tenantFields("e1", "INITIAL_PURCHASE", f.now.Add(30*24*time.Hour), "1"))
		assert.ErrorIs(t, err, apperrors.ErrTransientPersistence)
		assert.Equal(t, []string{AnalyticsSubscriptionStarted}, f.emitter.names())
		assert.Empty(t, f.invalidator.tenants)
	})

	t.Run("analytics failure does not fail delivery", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.emitter.err = errors.New("collector unavailable")

		res, err := f.deliver(t, tenantFields("e1", "CANCELLATION", f.now.Add(time.Hour), "1"))
		require.NoError(t, err)
		assert.Equal(t, "processed", res.Outcome())
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AnalyticsEmitFailures.WithLabelValues(AnalyticsSubscriptionCanceled)))
	})
}

// The SQLite store serializes the deliveries; see setupTestDB.
func TestReconciler_ConcurrentRedelivery(t *testing.T) {
	f := newReconcilerFixture(t)
	payload := revenueCatPayload(t, tenantFields("same", "INITIAL_PURCHASE", f.now.Add(30*24*time.Hour), "1"))
	signature := webhooks.GenerateSignature(payload, testRevenueCatSecret)

	var wg sync.WaitGroup
	outcomes := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.reconciler.Process(context.Background(), ProviderRevenueCat, payload, signature)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome()
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[string]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts["processed"])
	assert.Equal(t, 4, counts["duplicate"])
	assert.Len(t, f.emitter.names(), 1)

	subs, err := f.store.GetSubscriptions(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestRegistry_UnsignedProviders(t *testing.T) {
	logger := observability.NopLogger()
	registry := NewRegistry(
		NewRevenueCatAdapter(RevenueCatConfig{AllowUnsigned: true}, logger),
		NewPolarAdapter(PolarConfig{WebhookSecret: "polar-secret"}, logger),
	)
	assert.Equal(t, []Provider{ProviderRevenueCat}, registry.UnsignedProviders())

	signed := NewRegistry(NewPolarAdapter(PolarConfig{WebhookSecret: "polar-secret"}, logger))
	assert.Empty(t, signed.UnsignedProviders())
}
