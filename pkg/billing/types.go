package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a billing vendor.
type Provider string

const (
	ProviderPolar      Provider = "polar"
	ProviderRevenueCat Provider = "revenuecat"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderPolar || p == ProviderRevenueCat
}

// ParseProvider parses a provider name from a route or config.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown billing provider %q", s)
	}
	return p, nil
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
	StatusNone     SubscriptionStatus = "none"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired, StatusNone:
		return true
	}
	return false
}

// Subscription is the canonical subscription record of a tenant with one provider.
// Rows are only mutated by webhook reconciliation and are never deleted.
type Subscription struct {
	ID                     int64              `json:"id"`
	TenantID               int64              `json:"tenant_id"`
	Provider               Provider           `json:"provider"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	ProviderCustomerID     string             `json:"provider_customer_id"`
	PlanID                 string             `json:"plan_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	PastDueSince           *time.Time         `json:"past_due_since,omitempty"`
	LastEventID            string             `json:"last_event_id"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// WebhookEvent is a parsed provider delivery. It is not persisted beyond the
// idempotency record of its EventID.
type WebhookEvent struct {
	Provider   Provider        `json:"provider"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	RawPayload json.RawMessage `json:"-"`

	// body is the provider-specific decoded envelope.
	body interface{}
}

// SubscriptionUpdate is the vendor-neutral state change derived from a webhook.
type SubscriptionUpdate struct {
	Provider               Provider
	EventKind              EventKind
	TenantID               int64 // zero when the payload does not carry one
	ProviderSubscriptionID string
	ProviderCustomerID     string
	SubscriberID           string   // user-level id used for analytics
	AliasCustomerIDs       []string // earlier customer ids that may already map to a tenant
	PlanID                 string
	Status                 SubscriptionStatus

	// PreserveStatus keeps the stored status (alias and transfer events). Status
	// then only applies when no prior row exists.
	PreserveStatus bool

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	OccurredAt         time.Time
}

// EventKind is the canonical meaning of a vendor event.
type EventKind string

const (
	EventPurchase       EventKind = "purchase"
	EventRenewal        EventKind = "renewal"
	EventPlanChange     EventKind = "plan_change"
	EventUncancellation EventKind = "uncancellation"
	EventBillingFailure EventKind = "billing_failure"
	EventCancellation   EventKind = "cancellation"
	EventExpiration     EventKind = "expiration"
	EventTransfer       EventKind = "transfer"
	EventStatusChange   EventKind = "status_change"
	EventUnrecognized   EventKind = "unrecognized"
)

// Analytics event names.
const (
	AnalyticsSubscriptionStarted       = "subscription.started"
	AnalyticsSubscriptionRenewed       = "subscription.renewed"
	AnalyticsSubscriptionPlanChanged   = "subscription.plan_changed"
	AnalyticsSubscriptionReactivated   = "subscription.reactivated"
	AnalyticsSubscriptionCanceled      = "subscription.canceled"
	AnalyticsSubscriptionExpired       = "subscription.expired"
	AnalyticsSubscriptionPaymentFailed = "subscription.payment_failed"
	AnalyticsSubscriptionTransferred   = "subscription.transferred"
)

// AnalyticsEvent is a named domain event derived from a subscription update.
type AnalyticsEvent struct {
	Name         string                 `json:"name"`
	Provider     Provider               `json:"provider"`
	SubscriberID string                 `json:"subscriber_id"`
	TenantID     int64                  `json:"tenant_id,omitempty"`
	EventID      string                 `json:"event_id"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// CheckoutRequest starts a hosted checkout for a tenant.
type CheckoutRequest struct {
	TenantID    int64  `json:"tenant_id"`
	PlanID      string `json:"plan_id"`
	SuccessURL  string `json:"success_url"`
	CustomerRef string `json:"customer_ref,omitempty"`
}

// CheckoutSession is a provider-hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PortalSession is a provider-hosted customer portal link.
type PortalSession struct {
	URL string `json:"url"`
}

// ReconcileResult describes what a webhook delivery did.
type ReconcileResult struct {
	EventID      string
	EventType    string
	Duplicate    bool
	Skipped      bool
	Subscription *Subscription
}

// Outcome returns the short status reported to the delivering provider.
func (r *ReconcileResult) Outcome() string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Skipped:
		return "ignored"
	default:
		return "processed"
	}
}
