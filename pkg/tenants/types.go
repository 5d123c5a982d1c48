package tenants

import (
	"context"
	"time"

	"github.com/platinummonkey/keel/pkg/contextkeys"
	"github.com/platinummonkey/keel/pkg/rbac"
)

// Tenant is the billing and organizational unit (workspace).
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to a tenant. MemberRole is only meaningful when
// TenantRole is member.
type Membership struct {
	ID         int64            `json:"id"`
	TenantID   int64            `json:"tenant_id"`
	UserID     int64            `json:"user_id"`
	TenantRole rbac.TenantRole  `json:"tenant_role"`
	MemberRole *rbac.MemberRole `json:"member_role,omitempty"`
	JoinedAt   time.Time        `json:"joined_at"`
}

// CanAccess checks the membership against the permission matrix.
func (m *Membership) CanAccess(resource rbac.Resource, action rbac.Action) bool {
	return rbac.CanAccess(m.TenantRole, m.MemberRole, resource, action)
}

// IsOwner reports whether the membership holds the owner role.
func (m *Membership) IsOwner() bool {
	return m.TenantRole == rbac.TenantRoleOwner
}

// CreateTenantRequest is the body of POST /tenants.
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// AddMemberRequest is the body of POST /tenants/{tenant_id}/members.
type AddMemberRequest struct {
	UserID     int64            `json:"user_id"`
	TenantRole rbac.TenantRole  `json:"tenant_role"`
	MemberRole *rbac.MemberRole `json:"member_role,omitempty"`
}

// UpdateMemberRequest is the body of PATCH /tenants/{tenant_id}/members/{user_id}.
type UpdateMemberRequest struct {
	TenantRole rbac.TenantRole  `json:"tenant_role"`
	MemberRole *rbac.MemberRole `json:"member_role,omitempty"`
}

// MembershipResolver is what the authorization pipeline needs from tenant storage.
type MembershipResolver interface {
	GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error)
	TenantExists(ctx context.Context, tenantID int64) (bool, error)
}

// Service manages tenants and their memberships.
type Service interface {
	MembershipResolver

	CreateTenant(ctx context.Context, name string, ownerUserID int64) (*Tenant, error)
	GetTenant(ctx context.Context, tenantID int64) (*Tenant, error)
	ListTenantsForUser(ctx context.Context, userID int64) ([]*Tenant, error)

	ListMembers(ctx context.Context, tenantID int64) ([]*Membership, error)
	AddMember(ctx context.Context, tenantID, actorUserID, userID int64, role rbac.TenantRole, memberRole *rbac.MemberRole) error
	UpdateMemberRole(ctx context.Context, tenantID, actorUserID, userID int64, role rbac.TenantRole, memberRole *rbac.MemberRole) error
	RemoveMember(ctx context.Context, tenantID, actorUserID, userID int64) error
}

// WithMembership stores m in ctx.
func WithMembership(ctx context.Context, m *Membership) context.Context {
	return context.WithValue(ctx, contextkeys.MembershipKey, m)
}

// MembershipFromContext returns the resolved membership, or nil.
func MembershipFromContext(ctx context.Context) *Membership {
	m, _ := ctx.Value(contextkeys.MembershipKey).(*Membership)
	return m
}
