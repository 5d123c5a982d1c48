package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/webhooks"
)

const RevenueCatSignatureHeader = "X-RevenueCat-Signature"

// RevenueCatConfig configures the RevenueCat adapter.
type RevenueCatConfig struct {
	WebhookSecret string
	AllowUnsigned bool
}

// RevenueCatAdapter handles RevenueCat webhooks. RevenueCat sells through the
// app stores, so hosted checkout and portal are not available.
type RevenueCatAdapter struct {
	verifier *webhooks.Verifier
}

func NewRevenueCatAdapter(cfg RevenueCatConfig, logger *observability.Logger) *RevenueCatAdapter {
	return &RevenueCatAdapter{
		verifier: webhooks.NewVerifier(string(ProviderRevenueCat), cfg.WebhookSecret, cfg.AllowUnsigned, logger),
	}
}

func (a *RevenueCatAdapter) Provider() Provider      { return ProviderRevenueCat }
func (a *RevenueCatAdapter) SignatureHeader() string { return RevenueCatSignatureHeader }

func (a *RevenueCatAdapter) VerifyWebhook(payload []byte, signatureHeader string) bool {
	return a.verifier.Verify(payload, signatureHeader)
}

func (a *RevenueCatAdapter) SignatureConfigured() bool { return a.verifier.Configured() }

type revenueCatEnvelope struct {
	APIVersion string           `json:"api_version"`
	Event      *revenueCatEvent `json:"event"`
}

type revenueCatAttribute struct {
	Value string `json:"value"`
}

type revenueCatEvent struct {
	ID                    string                         `json:"id"`
	Type                  string                         `json:"type"`
	AppUserID             string                         `json:"app_user_id"`
	OriginalAppUserID     string                         `json:"original_app_user_id"`
	Aliases               []string                       `json:"aliases"`
	ProductID             string                         `json:"product_id"`
	NewProductID          string                         `json:"new_product_id"`
	PeriodType            string                         `json:"period_type"`
	PurchasedAtMs         *int64                         `json:"purchased_at_ms"`
	ExpirationAtMs        *int64                         `json:"expiration_at_ms"`
	EventTimestampMs      int64                          `json:"event_timestamp_ms"`
	OriginalTransactionID string                         `json:"original_transaction_id"`
	Environment           string                         `json:"environment"`
	Store                 string                         `json:"store"`
	CancelReason          string                         `json:"cancel_reason"`
	TransferredFrom       []string                       `json:"transferred_from"`
	TransferredTo         []string                       `json:"transferred_to"`
	SubscriberAttributes  map[string]revenueCatAttribute `json:"subscriber_attributes"`
}

func (a *RevenueCatAdapter) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var env revenueCatEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, malformed(ProviderRevenueCat, "invalid JSON", err)
	}
	if env.Event == nil {
		return nil, malformed(ProviderRevenueCat, "missing event", nil)
	}
	if env.Event.ID == "" {
		return nil, malformed(ProviderRevenueCat, "missing event id", nil)
	}
	if env.Event.Type == "" {
		return nil, malformed(ProviderRevenueCat, "missing event type", nil)
	}

	return &WebhookEvent{
		Provider:   ProviderRevenueCat,
		EventID:    env.Event.ID,
		EventType:  env.Event.Type,
		RawPayload: json.RawMessage(payload),
		body:       env.Event,
	}, nil
}

func msTime(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func (a *RevenueCatAdapter) MapEventToSubscriptionUpdate(event *WebhookEvent, now time.Time) *SubscriptionUpdate {
	if event == nil {
		return nil
	}
	ev, ok := event.body.(*revenueCatEvent)
	if !ok {
		return nil
	}
	if ev.Type == "TEST" {
		return nil
	}

	u := &SubscriptionUpdate{
		Provider:               ProviderRevenueCat,
		ProviderSubscriptionID: ev.OriginalTransactionID,
		ProviderCustomerID:     ev.AppUserID,
		SubscriberID:           ev.AppUserID,
		PlanID:                 ev.ProductID,
		CurrentPeriodStart:     msTime(ev.PurchasedAtMs),
		CurrentPeriodEnd:       msTime(ev.ExpirationAtMs),
		OccurredAt:             now,
	}
	if ev.EventTimestampMs > 0 {
		u.OccurredAt = time.UnixMilli(ev.EventTimestampMs).UTC()
	}
	if attr, ok := ev.SubscriberAttributes["tenant_id"]; ok {
		u.TenantID = parseTenantRef(attr.Value)
	}
	if ev.OriginalAppUserID != "" && ev.OriginalAppUserID != ev.AppUserID {
		u.AliasCustomerIDs = append(u.AliasCustomerIDs, ev.OriginalAppUserID)
	}
	for _, alias := range ev.Aliases {
		if alias != ev.AppUserID && alias != ev.OriginalAppUserID {
			u.AliasCustomerIDs = append(u.AliasCustomerIDs, alias)
		}
	}

	switch ev.Type {
	case "INITIAL_PURCHASE":
		u.EventKind = EventPurchase
		u.Status = StatusActive
		if ev.PeriodType == "TRIAL" {
			u.Status = StatusTrialing
		}
	case "NON_RENEWING_PURCHASE":
		u.EventKind = EventPurchase
		u.Status = StatusActive
	case "RENEWAL", "SUBSCRIPTION_EXTENDED":
		u.EventKind = EventRenewal
		u.Status = StatusActive
	case "PRODUCT_CHANGE":
		u.EventKind = EventPlanChange
		u.Status = StatusActive
		if ev.NewProductID != "" {
			u.PlanID = ev.NewProductID
		}
	case "UNCANCELLATION":
		u.EventKind = EventUncancellation
		u.Status = StatusActive
	case "BILLING_ISSUE":
		u.EventKind = EventBillingFailure
		u.Status = StatusPastDue
	case "CANCELLATION":
		u.EventKind = EventCancellation
		u.Status = StatusCanceled
		u.CancelAtPeriodEnd = true
	case "EXPIRATION":
		u.EventKind = EventExpiration
		u.Status = StatusExpired
	case "TRANSFER", "SUBSCRIBER_ALIAS":
		u.EventKind = EventTransfer
		if len(ev.TransferredTo) > 0 {
			u.ProviderCustomerID = ev.TransferredTo[0]
			u.SubscriberID = ev.TransferredTo[0]
		}
		u.AliasCustomerIDs = append(u.AliasCustomerIDs, ev.TransferredFrom...)
		if status, ok := statusFromExpiration(u.CurrentPeriodEnd, now); ok && status == StatusExpired {
			u.Status = StatusExpired
		} else {
			u.Status = StatusActive
			u.PreserveStatus = true
		}
	default:
		return unrecognizedUpdate(u, u.CurrentPeriodEnd, now)
	}

	if u.ProviderCustomerID == "" {
		return nil
	}
	return u
}

func (a *RevenueCatAdapter) GetAnalyticsEvent(event *WebhookEvent, update *SubscriptionUpdate) *AnalyticsEvent {
	ae := buildAnalyticsEvent(event, update)
	if ae == nil {
		return nil
	}
	if ev, ok := event.body.(*revenueCatEvent); ok {
		if ev.Store != "" {
			ae.Properties["store"] = ev.Store
		}
		if ev.Environment != "" {
			ae.Properties["environment"] = ev.Environment
		}
		if ev.CancelReason != "" {
			ae.Properties["cancel_reason"] = ev.CancelReason
		}
	}
	return ae
}

func (a *RevenueCatAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return nil, ErrUnsupportedOperation.WithMessage("revenuecat purchases happen in the app store")
}

func (a *RevenueCatAdapter) CreatePortalSession(ctx context.Context, customerID string) (*PortalSession, error) {
	return nil, ErrUnsupportedOperation.WithMessage("revenuecat subscriptions are managed in the app store")
}
