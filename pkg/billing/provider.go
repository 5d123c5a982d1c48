package billing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/keel/pkg/apperrors"
)

// Adapter normalizes one billing vendor's webhooks and hosted flows.
type Adapter interface {
	Provider() Provider

	// SignatureHeader names the request header carrying the delivery signature.
	SignatureHeader() string
	VerifyWebhook(payload []byte, signatureHeader string) bool
	ParseWebhookEvent(payload []byte) (*WebhookEvent, error)

	// MapEventToSubscriptionUpdate returns nil when the event carries no
	// subscription change.
	MapEventToSubscriptionUpdate(event *WebhookEvent, now time.Time) *SubscriptionUpdate

	// GetAnalyticsEvent returns nil when update has no subscriber to attribute.
	GetAnalyticsEvent(event *WebhookEvent, update *SubscriptionUpdate) *AnalyticsEvent

	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID string) (*PortalSession, error)
}

// ErrUnsupportedOperation is returned by adapters for flows their vendor does not offer.
var ErrUnsupportedOperation = apperrors.ErrUnsupportedOperation

// MalformedWebhookError reports a payload that does not match the vendor envelope.
type MalformedWebhookError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *MalformedWebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s webhook: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s webhook: %s", e.Provider, e.Reason)
}

func (e *MalformedWebhookError) Unwrap() error {
	return e.Err
}

func malformed(p Provider, reason string, err error) error {
	return &MalformedWebhookError{Provider: p, Reason: reason, Err: err}
}

// Registry looks up adapters by provider.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry indexes adapters by their provider.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// UnsignedProviders lists adapters that have no webhook secret configured.
func (r *Registry) UnsignedProviders() []Provider {
	var out []Provider
	for p, a := range r.adapters {
		if c, ok := a.(interface{ SignatureConfigured() bool }); ok && !c.SignatureConfigured() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the adapter for p.
func (r *Registry) Get(p Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// statusFromExpiration is the fallback for events whose meaning is unknown.
func statusFromExpiration(expiresAt *time.Time, now time.Time) (SubscriptionStatus, bool) {
	if expiresAt == nil {
		return "", false
	}
	if expiresAt.Before(now) {
		return StatusExpired, true
	}
	return StatusActive, true
}

// analyticsName picks the domain event name for an applied update.
func analyticsName(update *SubscriptionUpdate) string {
	switch update.EventKind {
	case EventPurchase:
		return AnalyticsSubscriptionStarted
	case EventRenewal:
		return AnalyticsSubscriptionRenewed
	case EventPlanChange:
		return AnalyticsSubscriptionPlanChanged
	case EventUncancellation:
		return AnalyticsSubscriptionReactivated
	case EventBillingFailure:
		return AnalyticsSubscriptionPaymentFailed
	case EventCancellation:
		return AnalyticsSubscriptionCanceled
	case EventExpiration:
		return AnalyticsSubscriptionExpired
	case EventTransfer:
		return AnalyticsSubscriptionTransferred
	}

	switch update.Status {
	case StatusPastDue:
		return AnalyticsSubscriptionPaymentFailed
	case StatusCanceled:
		return AnalyticsSubscriptionCanceled
	case StatusExpired:
		return AnalyticsSubscriptionExpired
	}
	return ""
}

func buildAnalyticsEvent(event *WebhookEvent, update *SubscriptionUpdate) *AnalyticsEvent {
	if event == nil || update == nil || update.SubscriberID == "" {
		return nil
	}
	name := analyticsName(update)
	if name == "" {
		return nil
	}

	props := map[string]interface{}{
		"status":     string(update.Status),
		"event_type": event.EventType,
	}
	if update.PlanID != "" {
		props["plan_id"] = update.PlanID
	}
	if update.CurrentPeriodEnd != nil {
		props["current_period_end"] = update.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}

	return &AnalyticsEvent{
		Name:         name,
		Provider:     update.Provider,
		SubscriberID: update.SubscriberID,
		TenantID:     update.TenantID,
		EventID:      event.EventID,
		OccurredAt:   update.OccurredAt,
		Properties:   props,
	}
}

// parseTenantRef accepts "42", 42 or "tenant:42".
func parseTenantRef(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		if t > 0 && t == float64(int64(t)) {
			return int64(t)
		}
	case string:
		s := strings.TrimPrefix(strings.TrimSpace(t), "tenant:")
		if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}
