package billing

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/observability"
)

// AnalyticsEmitter receives domain events for every non-duplicate delivery.
type AnalyticsEmitter interface {
	Emit(ctx context.Context, event *AnalyticsEvent) error
}

// CacheInvalidator drops cached entitlements of a tenant.
type CacheInvalidator interface {
	Invalidate(tenantID int64)
}

// Reconciler verifies, parses and applies provider webhooks.
type Reconciler struct {
	registry    *Registry
	store       Store
	emitter     AnalyticsEmitter
	invalidator CacheInvalidator
	metrics     *observability.Metrics
	logger      *observability.Logger
	now         func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithAnalyticsEmitter(e AnalyticsEmitter) ReconcilerOption {
	return func(r *Reconciler) { r.emitter = e }
}

func WithCacheInvalidator(c CacheInvalidator) ReconcilerOption {
	return func(r *Reconciler) { r.invalidator = c }
}

func WithMetrics(m *observability.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a new Reconciler
func NewReconciler(registry *Registry, store Store, logger *observability.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Reconciler{
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adapter returns the adapter registered for provider.
func (r *Reconciler) Adapter(provider Provider) (Adapter, error) {
	a, ok := r.registry.Get(provider)
	if !ok {
		return nil, apperrors.ErrNotFound.WithMessage("unknown billing provider")
	}
	return a, nil
}

// Process handles one webhook delivery. Signature and payload errors are not
// retryable; persistence errors are, and leave no partial state behind.
func (r *Reconciler) Process(ctx context.Context, provider Provider, payload []byte, signatureHeader string) (result *ReconcileResult, err error) {
	start := r.now()
	defer func() {
		outcome := "error"
		if err == nil {
			outcome = result.Outcome()
		} else if code := apperrors.CodeOf(err); code != "" {
			outcome = code
		}
		r.metrics.RecordWebhook(string(provider), outcome, r.now().Sub(start))
	}()

	adapter, err := r.Adapter(provider)
	if err != nil {
		return nil, err
	}
	log := r.logger.WithField("provider", string(provider))

	if !adapter.VerifyWebhook(payload, signatureHeader) {
		log.Warn("Webhook signature verification failed")
		return nil, apperrors.ErrSignatureInvalid
	}

	event, err := adapter.ParseWebhookEvent(payload)
	if err != nil {
		var mw *MalformedWebhookError
		if errors.As(err, &mw) {
			log.WithError(err).Warn("Rejected malformed webhook")
			return nil, apperrors.ErrMalformedWebhook.WithCause(err)
		}
		return nil, err
	}
	log = log.WithFields(map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})

	now := r.now()
	update := adapter.MapEventToSubscriptionUpdate(event, now)
	// Built before persisting so a failed apply still reaches analytics.
	// Redeliveries of the same event are absorbed by the sink.
	domainEvent := adapter.GetAnalyticsEvent(event, update)

	applied, err := r.store.ApplyWebhook(ctx, event, update, now)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeTenantUnresolved {
			log.WithError(err).Error("Webhook could not be attributed to a tenant")
		} else {
			log.WithError(err).WithField("retryable", apperrors.IsRetryable(err)).Error("Failed to apply webhook")
		}
		r.emit(ctx, log, domainEvent)
		return nil, err
	}

	result = &ReconcileResult{
		EventID:      event.EventID,
		EventType:    event.EventType,
		Duplicate:    applied.Duplicate,
		Skipped:      applied.Skipped,
		Subscription: applied.Subscription,
	}

	switch {
	case applied.Duplicate:
		log.Info("Duplicate webhook ignored")
		return result, nil
	case applied.Skipped:
		log.Debug("Webhook carries no subscription change")
		r.emit(ctx, log, domainEvent)
		return result, nil
	}

	sub := applied.Subscription
	log.WithFields(map[string]interface{}{
		"tenant_id": sub.TenantID,
		"status":    string(sub.Status),
		"plan_id":   sub.PlanID,
	}).Info("Subscription reconciled")

	if r.invalidator != nil {
		r.invalidator.Invalidate(sub.TenantID)
	}

	if domainEvent != nil && domainEvent.TenantID == 0 {
		domainEvent.TenantID = sub.TenantID
	}
	r.emit(ctx, log, domainEvent)

	return result, nil
}

// emit never fails the delivery. Emission and persistence fail independently.
func (r *Reconciler) emit(ctx context.Context, log *observability.Logger, event *AnalyticsEvent) {
	if r.emitter == nil || event == nil {
		return
	}
	if err := r.emitter.Emit(ctx, event); err != nil {
		r.metrics.RecordAnalyticsFailure(event.Name)
		log.WithError(err).WithField("analytics_event", event.Name).Warn("Failed to emit analytics event")
	}
}
