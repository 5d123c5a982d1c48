package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// TenantHandlers handles tenant and membership HTTP requests
type TenantHandlers struct {
	service tenants.Service
	guards  Guards
}

// NewTenantHandlers creates a new TenantHandlers
func NewTenantHandlers(service tenants.Service, guards Guards) *TenantHandlers {
	return &TenantHandlers{service: service, guards: guards}
}

// RegisterRoutes registers tenant routes
func (h *TenantHandlers) RegisterRoutes(router *mux.Router) {
	authed := h.guards.Authenticated()
	router.Handle("/tenants", authed(http.HandlerFunc(h.CreateTenant))).Methods("POST")
	router.Handle("/tenants", authed(http.HandlerFunc(h.ListTenants))).Methods("GET")
	router.Handle("/tenants/{tenant_id}", h.guards.Member()(http.HandlerFunc(h.GetTenant))).Methods("GET")
	router.Handle("/tenants/{tenant_id}/permissions", h.guards.Member()(http.HandlerFunc(h.GetPermissions))).Methods("GET")

	// Members
	router.Handle("/tenants/{tenant_id}/members",
		h.guards.Allowed(rbac.ResourceMember, rbac.ActionRead)(http.HandlerFunc(h.ListMembers))).Methods("GET")
	router.Handle("/tenants/{tenant_id}/members",
		h.guards.Allowed(rbac.ResourceMember, rbac.ActionCreate)(http.HandlerFunc(h.AddMember))).Methods("POST")
	router.Handle("/tenants/{tenant_id}/members/{user_id}",
		h.guards.Allowed(rbac.ResourceMember, rbac.ActionUpdate)(http.HandlerFunc(h.UpdateMember))).Methods("PATCH")
	router.Handle("/tenants/{tenant_id}/members/{user_id}",
		h.guards.Allowed(rbac.ResourceMember, rbac.ActionDelete)(http.HandlerFunc(h.RemoveMember))).Methods("DELETE")
}

// CreateTenant creates a tenant owned by the caller
func (h *TenantHandlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var req tenants.CreateTenantRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	tenant, err := h.service.CreateTenant(r.Context(), req.Name, principal.UserID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, tenant)
}

// ListTenants lists the tenants the caller belongs to
func (h *TenantHandlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	list, err := h.service.ListTenantsForUser(r.Context(), principal.UserID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"tenants": list})
}

// GetTenant returns the resolved tenant
func (h *TenantHandlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	membership := tenants.MembershipFromContext(r.Context())

	tenant, err := h.service.GetTenant(r.Context(), membership.TenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, tenant)
}

// PermissionsResponse lists what the caller may do in a tenant.
type PermissionsResponse struct {
	TenantRole  rbac.TenantRole                 `json:"tenant_role"`
	MemberRole  *rbac.MemberRole                `json:"member_role,omitempty"`
	Permissions map[rbac.Resource][]rbac.Action `json:"permissions"`
}

// GetPermissions returns the caller's effective permission set
func (h *TenantHandlers) GetPermissions(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())
	resp := PermissionsResponse{TenantRole: m.TenantRole}

	if rbac.IsAdminOrOwner(m.TenantRole) {
		resp.Permissions = make(map[rbac.Resource][]rbac.Action, len(rbac.Resources))
		for _, res := range rbac.Resources {
			resp.Permissions[res] = append([]rbac.Action(nil), rbac.Actions...)
		}
	} else {
		role := rbac.EffectiveMemberRole(m.MemberRole)
		resp.MemberRole = &role
		resp.Permissions = rbac.Permissions(role)
	}
	_ = httputil.WriteSuccess(w, resp)
}

// ListMembers lists the tenant's memberships
func (h *TenantHandlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	members, err := h.service.ListMembers(r.Context(), m.TenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// AddMember adds a user to the tenant
func (h *TenantHandlers) AddMember(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())

	var req tenants.AddMemberRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.UserID <= 0 {
		httputil.WriteError(w, r, apperrors.ErrBadRequest.WithMessage("user_id is required"))
		return
	}

	if err := h.service.AddMember(r.Context(), m.TenantID, m.UserID, req.UserID, req.TenantRole, req.MemberRole); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	added, err := h.service.GetMembership(r.Context(), m.TenantID, req.UserID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, added)
}

// UpdateMember changes a member's roles
func (h *TenantHandlers) UpdateMember(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())
	userID, err := httputil.PathInt64(r, "user_id")
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	var req tenants.UpdateMemberRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	if err := h.service.UpdateMemberRole(r.Context(), m.TenantID, m.UserID, userID, req.TenantRole, req.MemberRole); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	updated, err := h.service.GetMembership(r.Context(), m.TenantID, userID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, updated)
}

// RemoveMember removes a member from the tenant
func (h *TenantHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	m := tenants.MembershipFromContext(r.Context())
	userID, err := httputil.PathInt64(r, "user_id")
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	if err := h.service.RemoveMember(r.Context(), m.TenantID, m.UserID, userID); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
