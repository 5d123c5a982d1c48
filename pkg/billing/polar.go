package billing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/webhooks"
)

const (
	PolarSignatureHeader = "X-Polar-Signature"
	DefaultPolarAPIURL   = "https://api.polar.sh"
)

// PolarConfig configures the Polar adapter.
type PolarConfig struct {
	WebhookSecret string
	AllowUnsigned bool
	APIBaseURL    string
	AccessToken   string
	HTTPClient    *http.Client
}

// PolarAdapter handles Polar webhooks and hosted checkout.
type PolarAdapter struct {
	verifier *webhooks.Verifier
	client   *http.Client
	baseURL  string
	token    string
}

// NewPolarAdapter creates a Polar adapter.
func NewPolarAdapter(cfg PolarConfig, logger *observability.Logger) *PolarAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultPolarAPIURL
	}
	return &PolarAdapter{
		verifier: webhooks.NewVerifier(string(ProviderPolar), cfg.WebhookSecret, cfg.AllowUnsigned, logger),
		client:   client,
		baseURL:  baseURL,
		token:    cfg.AccessToken,
	}
}

func (a *PolarAdapter) Provider() Provider      { return ProviderPolar }
func (a *PolarAdapter) SignatureHeader() string { return PolarSignatureHeader }

func (a *PolarAdapter) VerifyWebhook(payload []byte, signatureHeader string) bool {
	return a.verifier.Verify(payload, signatureHeader)
}

func (a *PolarAdapter) SignatureConfigured() bool { return a.verifier.Configured() }

type polarEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarCustomer struct {
	ID         string                 `json:"id"`
	ExternalID *string                `json:"external_id"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type polarSubscription struct {
	ID                 string                 `json:"id"`
	Status             string                 `json:"status"`
	CustomerID         string                 `json:"customer_id"`
	ProductID          string                 `json:"product_id"`
	CurrentPeriodStart *time.Time             `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time             `json:"current_period_end"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	EndedAt            *time.Time             `json:"ended_at"`
	ModifiedAt         *time.Time             `json:"modified_at"`
	Metadata           map[string]interface{} `json:"metadata"`
	Customer           *polarCustomer         `json:"customer"`
}

type polarOrder struct {
	ID             string                 `json:"id"`
	CustomerID     string                 `json:"customer_id"`
	ProductID      string                 `json:"product_id"`
	SubscriptionID *string                `json:"subscription_id"`
	BillingReason  string                 `json:"billing_reason"`
	CreatedAt      *time.Time             `json:"created_at"`
	Metadata       map[string]interface{} `json:"metadata"`
	Customer       *polarCustomer         `json:"customer"`
	Subscription   *polarSubscription     `json:"subscription"`
}

// ParseWebhookEvent decodes a Polar delivery. Polar does not always send an
// envelope id, so the payload digest stands in for it.
func (a *PolarAdapter) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var env polarEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, malformed(ProviderPolar, "invalid JSON", err)
	}
	if env.Type == "" {
		return nil, malformed(ProviderPolar, "missing type", nil)
	}
	if len(env.Data) == 0 || env.Data[0] != '{' {
		return nil, malformed(ProviderPolar, "missing data object", nil)
	}

	eventID := env.ID
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = hex.EncodeToString(sum[:])
	}

	event := &WebhookEvent{
		Provider:   ProviderPolar,
		EventID:    eventID,
		EventType:  env.Type,
		RawPayload: json.RawMessage(payload),
	}

	switch {
	case strings.HasPrefix(env.Type, "subscription."):
		var sub polarSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, malformed(ProviderPolar, "invalid subscription data", err)
		}
		if sub.ID == "" {
			return nil, malformed(ProviderPolar, "subscription data missing id", nil)
		}
		event.body = &sub
	case strings.HasPrefix(env.Type, "order."):
		var order polarOrder
		if err := json.Unmarshal(env.Data, &order); err != nil {
			return nil, malformed(ProviderPolar, "invalid order data", err)
		}
		event.body = &order
	default:
		// Kept for the expiration fallback; shape errors are not fatal here.
		var sub polarSubscription
		if err := json.Unmarshal(env.Data, &sub); err == nil {
			event.body = &sub
		}
	}

	return event, nil
}

func polarStatus(s string) SubscriptionStatus {
	switch s {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete_expired":
		return StatusExpired
	}
	return ""
}

// MapEventToSubscriptionUpdate maps a Polar event to a canonical update.
func (a *PolarAdapter) MapEventToSubscriptionUpdate(event *WebhookEvent, now time.Time) *SubscriptionUpdate {
	if event == nil {
		return nil
	}
	switch body := event.body.(type) {
	case *polarSubscription:
		return a.mapSubscription(event.EventType, body, now)
	case *polarOrder:
		return a.mapOrder(event.EventType, body, now)
	}
	return nil
}

func (a *PolarAdapter) mapSubscription(eventType string, sub *polarSubscription, now time.Time) *SubscriptionUpdate {
	u := a.baseUpdate(sub, now)

	switch eventType {
	case "subscription.created":
		u.EventKind = EventPurchase
		u.Status = polarStatus(sub.Status)
		if u.Status == "" {
			// incomplete checkouts carry no entitlement yet
			return nil
		}
	case "subscription.active":
		u.EventKind = EventStatusChange
		u.Status = StatusActive
	case "subscription.updated":
		u.EventKind = EventStatusChange
		u.Status = polarStatus(sub.Status)
		if u.Status == "" {
			return nil
		}
	case "subscription.canceled":
		u.EventKind = EventCancellation
		u.Status = StatusCanceled
		u.CancelAtPeriodEnd = true
	case "subscription.uncanceled":
		u.EventKind = EventUncancellation
		u.Status = StatusActive
		u.CancelAtPeriodEnd = false
	case "subscription.revoked":
		u.EventKind = EventExpiration
		u.Status = StatusExpired
		if sub.EndedAt != nil {
			u.CurrentPeriodEnd = sub.EndedAt
		}
	default:
		return unrecognizedUpdate(u, sub.CurrentPeriodEnd, now)
	}
	return u
}

func (a *PolarAdapter) mapOrder(eventType string, order *polarOrder, now time.Time) *SubscriptionUpdate {
	if eventType != "order.paid" && eventType != "order.created" {
		return nil
	}
	if order.Subscription == nil && order.SubscriptionID == nil {
		// one-time purchase
		return nil
	}

	var kind EventKind
	switch order.BillingReason {
	case "subscription_cycle":
		kind = EventRenewal
	case "subscription_update":
		kind = EventPlanChange
	default:
		// subscription_create is covered by subscription.created
		return nil
	}

	sub := order.Subscription
	if sub == nil {
		sub = &polarSubscription{ID: *order.SubscriptionID}
	}
	if sub.CustomerID == "" {
		sub.CustomerID = order.CustomerID
	}
	if sub.ProductID == "" {
		sub.ProductID = order.ProductID
	}
	if sub.Customer == nil {
		sub.Customer = order.Customer
	}
	if sub.Metadata == nil {
		sub.Metadata = order.Metadata
	}
	if sub.ModifiedAt == nil {
		sub.ModifiedAt = order.CreatedAt
	}

	u := a.baseUpdate(sub, now)
	u.EventKind = kind
	u.Status = StatusActive
	u.CancelAtPeriodEnd = false
	return u
}

func (a *PolarAdapter) baseUpdate(sub *polarSubscription, now time.Time) *SubscriptionUpdate {
	u := &SubscriptionUpdate{
		Provider:               ProviderPolar,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.CustomerID,
		SubscriberID:           sub.CustomerID,
		PlanID:                 sub.ProductID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		OccurredAt:             now,
	}
	if sub.ModifiedAt != nil {
		u.OccurredAt = *sub.ModifiedAt
	}

	if sub.Metadata != nil {
		u.TenantID = parseTenantRef(sub.Metadata["tenant_id"])
	}
	if sub.Customer != nil {
		if u.ProviderCustomerID == "" {
			u.ProviderCustomerID = sub.Customer.ID
		}
		if sub.Customer.ExternalID != nil && *sub.Customer.ExternalID != "" {
			u.SubscriberID = *sub.Customer.ExternalID
			if u.TenantID == 0 {
				u.TenantID = parseTenantRef(*sub.Customer.ExternalID)
			}
		}
		if u.TenantID == 0 && sub.Customer.Metadata != nil {
			u.TenantID = parseTenantRef(sub.Customer.Metadata["tenant_id"])
		}
	}
	if u.SubscriberID == "" {
		u.SubscriberID = u.ProviderCustomerID
	}
	return u
}

func unrecognizedUpdate(u *SubscriptionUpdate, expiresAt *time.Time, now time.Time) *SubscriptionUpdate {
	status, ok := statusFromExpiration(expiresAt, now)
	if !ok {
		return nil
	}
	u.EventKind = EventUnrecognized
	u.Status = status
	return u
}

func (a *PolarAdapter) GetAnalyticsEvent(event *WebhookEvent, update *SubscriptionUpdate) *AnalyticsEvent {
	return buildAnalyticsEvent(event, update)
}

// CreateCheckout opens a Polar hosted checkout for the plan. The tenant id is
// stored both as the external customer id and in metadata so later webhooks
// resolve to the tenant without a link record.
func (a *PolarAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PlanID == "" {
		return nil, apperrors.ErrBadRequest.WithMessage("plan_id is required")
	}
	tenantRef := strconv.FormatInt(req.TenantID, 10)
	body := map[string]interface{}{
		"products":             []string{req.PlanID},
		"external_customer_id": tenantRef,
		"metadata":             map[string]string{"tenant_id": tenantRef},
	}
	if req.SuccessURL != "" {
		body["success_url"] = req.SuccessURL
	}
	if req.CustomerRef != "" {
		body["customer_id"] = req.CustomerRef
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := a.call(ctx, "/v1/checkouts/", body, &out); err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

// CreatePortalSession opens a customer session for Polar's portal.
func (a *PolarAdapter) CreatePortalSession(ctx context.Context, customerID string) (*PortalSession, error) {
	if customerID == "" {
		return nil, apperrors.ErrBadRequest.WithMessage("customer_id is required")
	}
	var out struct {
		PortalURL string `json:"customer_portal_url"`
	}
	if err := a.call(ctx, "/v1/customer-sessions/", map[string]string{"customer_id": customerID}, &out); err != nil {
		return nil, err
	}
	return &PortalSession{URL: out.PortalURL}, nil
}

func (a *PolarAdapter) call(ctx context.Context, path string, in, out interface{}) error {
	if a.token == "" {
		return ErrUnsupportedOperation.WithMessage("polar API access token is not configured")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode polar request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build polar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("polar request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read polar response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("polar API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode polar response: %w", err)
	}
	return nil
}
