package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/middleware"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// MaxWebhookBodyBytes bounds webhook payloads.
const MaxWebhookBodyBytes = 1 << 20

// ReportsFeature gates the subscription event report.
const ReportsFeature = "advanced_reports"

// WebhookProcessor reconciles provider deliveries.
type WebhookProcessor interface {
	Adapter(provider billing.Provider) (billing.Adapter, error)
	Process(ctx context.Context, provider billing.Provider, payload []byte, signatureHeader string) (*billing.ReconcileResult, error)
}

// EntitlementReader exposes derived entitlements and the catalog.
type EntitlementReader interface {
	GetTenantEntitlements(ctx context.Context, tenantID int64) (*billing.Entitlements, error)
	Catalog() *billing.Catalog
}

// SubscriptionStore is the part of billing storage the handlers touch.
type SubscriptionStore interface {
	GetSubscriptions(ctx context.Context, tenantID int64) ([]*billing.Subscription, error)
	LinkCustomer(ctx context.Context, provider billing.Provider, customerID string, tenantID int64, now time.Time) error
}

// EventHistory lists recorded subscription events.
type EventHistory interface {
	TenantEvents(ctx context.Context, tenantID int64, limit int) ([]*billing.AnalyticsEvent, error)
}

// BillingHandlers handles webhook ingress and tenant billing requests
type BillingHandlers struct {
	webhooks     WebhookProcessor
	entitlements EntitlementReader
	store        SubscriptionStore
	events       EventHistory
	guards       Guards
	limiter      middleware.Middleware
	now          func() time.Time
}

// NewBillingHandlers creates a new BillingHandlers. limiter may be nil.
func NewBillingHandlers(webhooks WebhookProcessor, entitlements EntitlementReader, store SubscriptionStore, events EventHistory, guards Guards, limiter middleware.Middleware) *BillingHandlers {
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	return &BillingHandlers{
		webhooks:     webhooks,
		entitlements: entitlements,
		store:        store,
		events:       events,
		guards:       guards,
		limiter:      limiter,
		now:          time.Now,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	// Webhooks are authenticated by signature, not session
	router.Handle("/webhooks/{provider}", h.limiter(http.HandlerFunc(h.HandleWebhook))).Methods("POST")

	router.Handle("/tenants/{tenant_id}/entitlements",
		h.guards.Member()(http.HandlerFunc(h.GetEntitlements))).Methods("GET")

	router.Handle("/tenants/{tenant_id}/billing/subscriptions",
		h.guards.Allowed(rbac.ResourceBilling, rbac.ActionRead)(http.HandlerFunc(h.ListSubscriptions))).Methods("GET")
	router.Handle("/tenants/{tenant_id}/billing/checkout",
		h.guards.Allowed(rbac.ResourceBilling, rbac.ActionUpdate)(http.HandlerFunc(h.CreateCheckout))).Methods("POST")
	router.Handle("/tenants/{tenant_id}/billing/portal",
		h.guards.Allowed(rbac.ResourceBilling, rbac.ActionUpdate)(http.HandlerFunc(h.CreatePortalSession))).Methods("POST")
	router.Handle("/tenants/{tenant_id}/billing/customers",
		h.guards.Allowed(rbac.ResourceBilling, rbac.ActionUpdate)(http.HandlerFunc(h.LinkCustomer))).Methods("POST")

	router.Handle("/tenants/{tenant_id}/reports/subscription-events",
		h.guards.Entitled(rbac.ResourceReport, rbac.ActionRead, ReportsFeature)(http.HandlerFunc(h.SubscriptionEventReport))).Methods("GET")
}

// WebhookResponse is returned for every accepted delivery.
type WebhookResponse struct {
	Status string `json:"status"`
}

var errPayloadTooLarge = apperrors.New(http.StatusRequestEntityTooLarge, apperrors.CodeMalformedWebhook, "webhook payload too large")

// HandleWebhook verifies and reconciles one provider delivery. Duplicates and
// non-actionable events are acknowledged with 200 so the provider stops
// redelivering; 5xx responses ask it to retry.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := billing.Provider(strings.ToLower(mux.Vars(r)["provider"]))
	adapter, err := h.webhooks.Adapter(provider)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, r, errPayloadTooLarge)
			return
		}
		httputil.WriteError(w, r, apperrors.ErrMalformedWebhook.WithCause(err))
		return
	}

	result, err := h.webhooks.Process(r.Context(), provider, payload, r.Header.Get(adapter.SignatureHeader()))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, WebhookResponse{Status: result.Outcome()})
}

// GetEntitlements returns the tenant's derived entitlements
func (h *BillingHandlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	ent, err := h.entitlements.GetTenantEntitlements(r.Context(), m.TenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, ent)
}

// ListSubscriptions returns the tenant's raw subscription rows
func (h *BillingHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	subs, err := h.store.GetSubscriptions(r.Context(), m.TenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"subscriptions": subs})
}

// CheckoutBody is the body of POST /tenants/{tenant_id}/billing/checkout.
type CheckoutBody struct {
	Provider   billing.Provider `json:"provider"`
	PlanID     string           `json:"plan_id"`
	SuccessURL string           `json:"success_url"`
}

// CreateCheckout starts a hosted checkout for a catalog plan
func (h *BillingHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	var body CheckoutBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if _, ok := h.entitlements.Catalog().Plans[body.PlanID]; !ok {
		httputil.WriteError(w, r, apperrors.ErrBadRequest.WithMessage("unknown plan_id"))
		return
	}
	adapter, err := h.webhooks.Adapter(body.Provider)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	customerRef, err := h.customerID(r.Context(), m.TenantID, body.Provider)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	session, err := adapter.CreateCheckout(r.Context(), billing.CheckoutRequest{
		TenantID:    m.TenantID,
		PlanID:      body.PlanID,
		SuccessURL:  body.SuccessURL,
		CustomerRef: customerRef,
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, session)
}

// PortalBody is the body of POST /tenants/{tenant_id}/billing/portal.
type PortalBody struct {
	Provider billing.Provider `json:"provider"`
}

// CreatePortalSession returns a link to the provider's customer portal
func (h *BillingHandlers) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	var body PortalBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	adapter, err := h.webhooks.Adapter(body.Provider)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	customerID, err := h.customerID(r.Context(), m.TenantID, body.Provider)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if customerID == "" {
		httputil.WriteError(w, r, apperrors.ErrNotFound.WithMessage("no subscription with this provider"))
		return
	}

	session, err := adapter.CreatePortalSession(r.Context(), customerID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, session)
}

// customerID returns the provider customer id on the tenant's subscription,
// or "" if there is none.
func (h *BillingHandlers) customerID(ctx context.Context, tenantID int64, provider billing.Provider) (string, error) {
	subs, err := h.store.GetSubscriptions(ctx, tenantID)
	if err != nil {
		return "", apperrors.Wrap(err, http.StatusInternalServerError, apperrors.CodeInternal, "failed to load subscriptions")
	}
	for _, sub := range subs {
		if sub.Provider == provider {
			return sub.ProviderCustomerID, nil
		}
	}
	return "", nil
}

// LinkCustomerBody is the body of POST /tenants/{tenant_id}/billing/customers.
type LinkCustomerBody struct {
	Provider   billing.Provider `json:"provider"`
	CustomerID string           `json:"customer_id"`
}

// LinkCustomer maps a provider customer id to the tenant so later webhooks
// without a tenant reference can be attributed
func (h *BillingHandlers) LinkCustomer(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	var body LinkCustomerBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if !body.Provider.Valid() {
		httputil.WriteError(w, r, apperrors.ErrBadRequest.WithMessage("unknown provider"))
		return
	}
	if strings.TrimSpace(body.CustomerID) == "" {
		httputil.WriteError(w, r, apperrors.ErrBadRequest.WithMessage("customer_id is required"))
		return
	}

	if err := h.store.LinkCustomer(r.Context(), body.Provider, strings.TrimSpace(body.CustomerID), m.TenantID, h.now()); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SubscriptionEventReport lists the tenant's recorded subscription events
func (h *BillingHandlers) SubscriptionEventReport(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, r, apperrors.ErrBadRequest.WithMessage("invalid limit"))
			return
		}
		limit = n
	}

	events, err := h.events.TenantEvents(r.Context(), m.TenantID, limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
