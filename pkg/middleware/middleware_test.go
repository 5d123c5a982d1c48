package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

const validToken = "keel_dGVzdC10b2tlbg"

type fakeSessions struct {
	sessions map[string]*auth.Session
	err      error
}

func (f *fakeSessions) GetSession(_ context.Context, token string) (*auth.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, auth.ErrSessionNotFound
}

type fakeResolver struct {
	memberships map[[2]int64]*tenants.Membership
	tenants     map[int64]bool
	err         error
}

func (f *fakeResolver) GetMembership(_ context.Context, tenantID, userID int64) (*tenants.Membership, error) {
	if f.err != nil {
		return nil, f.err
	}
	if m, ok := f.memberships[[2]int64{tenantID, userID}]; ok {
		return m, nil
	}
	return nil, apperrors.ErrNotFound.WithMessage("membership not found")
}

func (f *fakeResolver) TenantExists(_ context.Context, tenantID int64) (bool, error) {
	return f.tenants[tenantID], nil
}

type fakeFeatures struct {
	allowed map[string]bool
	err     error
	calls   int
}

func (f *fakeFeatures) HasFeatureAccess(_ context.Context, _ int64, featureKey string) (bool, error) {
	f.calls++
	return f.allowed[featureKey], f.err
}

func memberRole(r rbac.MemberRole) *rbac.MemberRole { return &r }

type pipelineFixture struct {
	sessions *fakeSessions
	resolver *fakeResolver
	features *fakeFeatures
	metrics  *observability.Metrics
	reached  bool
}

func newPipelineFixture() *pipelineFixture {
	return &pipelineFixture{
		sessions: &fakeSessions{sessions: map[string]*auth.Session{
			validToken: {ID: "s1", UserID: 10},
		}},
		resolver: &fakeResolver{
			memberships: map[[2]int64]*tenants.Membership{
				{1, 10}: {ID: 1, TenantID: 1, UserID: 10, TenantRole: rbac.TenantRoleMember, MemberRole: memberRole(rbac.MemberRoleViewer)},
			},
			tenants: map[int64]bool{1: true, 2: true},
		},
		features: &fakeFeatures{allowed: map[string]bool{"advanced_reports": true}},
		metrics:  observability.NewTestMetrics(),
	}
}

// router mounts one protected route: report read behind advanced_reports.
func (f *pipelineFixture) router(resource rbac.Resource, action rbac.Action, feature string) http.Handler {
	chain := Chain(
		Authenticate(f.sessions, f.metrics),
		ResolveTenant(f.resolver, f.metrics),
		RequirePermission(resource, action, f.metrics),
		RequireFeature(f.features, feature, f.metrics),
	)
	r := mux.NewRouter()
	r.Handle("/tenants/{tenant_id}/reports", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.reached = true
		m := tenants.MembershipFromContext(r.Context())
		p := auth.PrincipalFromContext(r.Context())
		_ = httputil.WriteSuccess(w, map[string]int64{"tenant_id": m.TenantID, "user_id": p.UserID})
	})))
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestPipeline(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		setup    func(*pipelineFixture, *http.Request)
		resource rbac.Resource
		action   rbac.Action
		feature  string
		status   int
		code     string
	}{
		{
			name:   "allowed via cookie",
			path:   "/tenants/1/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: validToken}) },
			status: http.StatusOK,
		},
		{
			name:   "allowed via bearer",
			path:   "/tenants/1/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			status: http.StatusOK,
		},
		{
			name:   "no token",
			path:   "/tenants/1/reports",
			setup:  func(*pipelineFixture, *http.Request) {},
			status: http.StatusUnauthorized,
			code:   apperrors.CodeUnauthorized,
		},
		{
			name:   "unknown token",
			path:   "/tenants/1/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer keel_bm9wZQ") },
			status: http.StatusUnauthorized,
			code:   apperrors.CodeUnauthorized,
		},
		{
			name: "session store down",
			path: "/tenants/1/reports",
			setup: func(f *pipelineFixture, r *http.Request) {
				f.sessions.err = errors.New("connection refused")
				r.Header.Set("Authorization", "Bearer "+validToken)
			},
			status: http.StatusInternalServerError,
			code:   apperrors.CodeInternal,
		},
		{
			name:   "tenant does not exist",
			path:   "/tenants/99/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			status: http.StatusNotFound,
			code:   apperrors.CodeNotFound,
		},
		{
			name:   "invalid tenant id",
			path:   "/tenants/abc/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			status: http.StatusNotFound,
			code:   apperrors.CodeNotFound,
		},
		{
			name:   "not a member",
			path:   "/tenants/2/reports",
			setup:  func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			status: http.StatusForbidden,
			code:   apperrors.CodeForbidden,
		},
		{
			name:     "viewer cannot create",
			path:     "/tenants/1/reports",
			setup:    func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			resource: rbac.ResourceTask,
			action:   rbac.ActionCreate,
			status:   http.StatusForbidden,
			code:     apperrors.CodeForbidden,
		},
		{
			name:    "feature not on plan",
			path:    "/tenants/1/reports",
			setup:   func(_ *pipelineFixture, r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			feature: "sso",
			status:  http.StatusPaymentRequired,
			code:    apperrors.CodeFeatureNotAvailable,
		},
		{
			name: "entitlement lookup fails closed",
			path: "/tenants/1/reports",
			setup: func(f *pipelineFixture, r *http.Request) {
				f.features.err = errors.New("db down")
				r.Header.Set("Authorization", "Bearer "+validToken)
			},
			status: http.StatusInternalServerError,
			code:   apperrors.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture()
			resource, action, feature := rbac.ResourceReport, rbac.ActionRead, "advanced_reports"
			if tt.resource != "" {
				resource, action = tt.resource, tt.action
			}
			if tt.feature != "" {
				feature = tt.feature
			}

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			tt.setup(f, req)
			rec := httptest.NewRecorder()
			f.router(resource, action, feature).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, rec))
				assert.False(t, f.reached, "handler must not run")
				return
			}
			assert.True(t, f.reached)
		})
	}
}

func TestPipeline_StopsAtFirstDenial(t *testing.T) {
	f := newPipelineFixture()
	req := httptest.NewRequest(http.MethodGet, "/tenants/2/reports", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	rec := httptest.NewRecorder()

	f.router(rbac.ResourceReport, rbac.ActionRead, "advanced_reports").ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.features.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues("authenticate", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues("tenant", "denied")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues("permission", "allowed")))
}

func TestResolveTenant_HeaderFallback(t *testing.T) {
	f := newPipelineFixture()
	var got *tenants.Membership
	h := Chain(Authenticate(f.sessions, nil), ResolveTenant(f.resolver, nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = tenants.MembershipFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	req.Header.Set(TenantHeader, "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.TenantID)
}

func TestResolveTenant_LookupError(t *testing.T) {
	f := newPipelineFixture()
	f.resolver.err = errors.New("db down")
	h := Chain(Authenticate(f.sessions, nil), ResolveTenant(f.resolver, nil))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	req.Header.Set(TenantHeader, "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequirePermission_NoMembership(t *testing.T) {
	h := RequirePermission(rbac.ResourceTask, rbac.ActionRead, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireFeature_NoMembership(t *testing.T) {
	features := &fakeFeatures{}
	h := RequireFeature(features, "sso", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, features.calls)
}

func TestPipeline_OwnerBypassesMatrix(t *testing.T) {
	f := newPipelineFixture()
	f.resolver.memberships[[2]int64{1, 10}] = &tenants.Membership{ID: 1, TenantID: 1, UserID: 10, TenantRole: rbac.TenantRoleOwner}

	req := httptest.NewRequest(http.MethodGet, "/tenants/1/reports", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	rec := httptest.NewRecorder()
	f.router(rbac.ResourceBilling, rbac.ActionUpdate, "advanced_reports").ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
