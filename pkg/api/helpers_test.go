package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

const (
	ownerToken  = "keel_b3duZXI"
	viewerToken = "keel_dmlld2Vy"
	polarSecret = "polar-secret"
)

type fakeSessions map[string]int64

func (f fakeSessions) GetSession(_ context.Context, token string) (*auth.Session, error) {
	if id, ok := f[token]; ok {
		return &auth.Session{ID: "s-" + token, UserID: id}, nil
	}
	return nil, auth.ErrSessionNotFound
}

// mockTenantService implements tenants.Service for testing
type mockTenantService struct {
	memberships map[[2]int64]*tenants.Membership

	createTenantFunc func(name string, owner int64) (*tenants.Tenant, error)
	addMemberFunc    func(tenantID, actor, user int64, role rbac.TenantRole, mr *rbac.MemberRole) error
	updateMemberFunc func(tenantID, actor, user int64, role rbac.TenantRole, mr *rbac.MemberRole) error
	removeMemberFunc func(tenantID, actor, user int64) error
}

func (m *mockTenantService) GetMembership(_ context.Context, tenantID, userID int64) (*tenants.Membership, error) {
	if mem, ok := m.memberships[[2]int64{tenantID, userID}]; ok {
		return mem, nil
	}
	return nil, apperrors.ErrNotFound.WithMessage("membership not found")
}

func (m *mockTenantService) TenantExists(_ context.Context, tenantID int64) (bool, error) {
	for key := range m.memberships {
		if key[0] == tenantID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockTenantService) CreateTenant(_ context.Context, name string, owner int64) (*tenants.Tenant, error) {
	if m.createTenantFunc != nil {
		return m.createTenantFunc(name, owner)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTenantService) GetTenant(_ context.Context, tenantID int64) (*tenants.Tenant, error) {
	return &tenants.Tenant{ID: tenantID, Name: "Acme"}, nil
}

func (m *mockTenantService) ListTenantsForUser(_ context.Context, userID int64) ([]*tenants.Tenant, error) {
	var out []*tenants.Tenant
	for key := range m.memberships {
		if key[1] == userID {
			out = append(out, &tenants.Tenant{ID: key[0], Name: "Acme"})
		}
	}
	return out, nil
}

func (m *mockTenantService) ListMembers(_ context.Context, tenantID int64) ([]*tenants.Membership, error) {
	var out []*tenants.Membership
	for key, mem := range m.memberships {
		if key[0] == tenantID {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *mockTenantService) AddMember(_ context.Context, tenantID, actor, user int64, role rbac.TenantRole, mr *rbac.MemberRole) error {
	if m.addMemberFunc != nil {
		return m.addMemberFunc(tenantID, actor, user, role, mr)
	}
	return errors.New("not implemented")
}

func (m *mockTenantService) UpdateMemberRole(_ context.Context, tenantID, actor, user int64, role rbac.TenantRole, mr *rbac.MemberRole) error {
	if m.updateMemberFunc != nil {
		return m.updateMemberFunc(tenantID, actor, user, role, mr)
	}
	return errors.New("not implemented")
}

func (m *mockTenantService) RemoveMember(_ context.Context, tenantID, actor, user int64) error {
	if m.removeMemberFunc != nil {
		return m.removeMemberFunc(tenantID, actor, user)
	}
	return errors.New("not implemented")
}

// mockStore implements billing.Store for testing
type mockStore struct {
	subscriptions map[int64][]*billing.Subscription
	applyFunc     func(event *billing.WebhookEvent, update *billing.SubscriptionUpdate) (*billing.ApplyResult, error)
	linked        map[string]int64
	subsErr       error
}

func (m *mockStore) ApplyWebhook(_ context.Context, event *billing.WebhookEvent, update *billing.SubscriptionUpdate, _ time.Time) (*billing.ApplyResult, error) {
	return m.applyFunc(event, update)
}

func (m *mockStore) GetSubscriptions(_ context.Context, tenantID int64) ([]*billing.Subscription, error) {
	if m.subsErr != nil {
		return nil, m.subsErr
	}
	return m.subscriptions[tenantID], nil
}

func (m *mockStore) LinkCustomer(_ context.Context, provider billing.Provider, customerID string, tenantID int64, _ time.Time) error {
	m.linked[string(provider)+":"+customerID] = tenantID
	return nil
}

func (m *mockStore) PruneWebhookEvents(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *mockStore) ListLapsedGraceWindows(context.Context, time.Time) ([]*billing.Subscription, error) {
	return nil, nil
}

type mockEvents struct {
	events []*billing.AnalyticsEvent
	limit  int
}

func (m *mockEvents) TenantEvents(_ context.Context, _ int64, limit int) ([]*billing.AnalyticsEvent, error) {
	m.limit = limit
	return m.events, nil
}

type testServer struct {
	handler      http.Handler
	tenants      *mockTenantService
	store        *mockStore
	events       *mockEvents
	entitlements *billing.EntitlementService
	polarAPI     *httptest.Server
}

func viewer() *rbac.MemberRole {
	r := rbac.MemberRoleViewer
	return &r
}

// newTestServer wires real reconciliation, entitlements and middleware over
// in-memory fakes. User 1 owns tenant 1; user 2 is a viewer there.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := observability.NopLogger()
	metrics := observability.NewTestMetrics()

	polarAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkouts/":
			_ = httputil.WriteCreated(w, map[string]string{"id": "chk_1", "url": "https://polar.test/checkout/chk_1"})
		case "/v1/customer-sessions/":
			_ = httputil.WriteCreated(w, map[string]string{"customer_portal_url": "https://polar.test/portal"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(polarAPI.Close)

	ts := &testServer{
		tenants: &mockTenantService{memberships: map[[2]int64]*tenants.Membership{
			{1, 1}: {ID: 1, TenantID: 1, UserID: 1, TenantRole: rbac.TenantRoleOwner},
			{1, 2}: {ID: 2, TenantID: 1, UserID: 2, TenantRole: rbac.TenantRoleMember, MemberRole: viewer()},
		}},
		store:    &mockStore{subscriptions: map[int64][]*billing.Subscription{}, linked: map[string]int64{}},
		events:   &mockEvents{},
		polarAPI: polarAPI,
	}

	registry := billing.NewRegistry(
		billing.NewPolarAdapter(billing.PolarConfig{
			WebhookSecret: polarSecret,
			APIBaseURL:    polarAPI.URL,
			AccessToken:   "tok",
		}, logger),
		billing.NewRevenueCatAdapter(billing.RevenueCatConfig{WebhookSecret: "rc-secret"}, logger),
	)
	ts.entitlements = billing.NewEntitlementService(ts.store, billing.StaticCatalog(billing.DefaultCatalog()), billing.DefaultEntitlementConfig(), metrics)
	reconciler := billing.NewReconciler(registry, ts.store, logger,
		billing.WithCacheInvalidator(ts.entitlements),
		billing.WithMetrics(metrics),
	)

	guards := Guards{
		Sessions: fakeSessions{ownerToken: 1, viewerToken: 2},
		Tenants:  ts.tenants,
		Features: ts.entitlements,
		Metrics:  metrics,
	}
	ts.handler = NewServer(logger, metrics,
		NewTenantHandlers(ts.tenants, guards),
		NewBillingHandlers(reconciler, ts.entitlements, ts.store, ts.events, guards, nil),
	)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	decode(t, rec, &body)
	return body.Error.Code
}
