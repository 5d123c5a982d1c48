package rbac

import (
	"fmt"
	"strings"
)

// TenantRole is the coarse-grained authority a user holds within a tenant.
type TenantRole string

const (
	TenantRoleOwner  TenantRole = "owner"
	TenantRoleAdmin  TenantRole = "admin"
	TenantRoleMember TenantRole = "member"
)

// TenantRoles lists every tenant role.
var TenantRoles = []TenantRole{TenantRoleOwner, TenantRoleAdmin, TenantRoleMember}

// Valid reports whether r is a known tenant role.
func (r TenantRole) Valid() bool {
	switch r {
	case TenantRoleOwner, TenantRoleAdmin, TenantRoleMember:
		return true
	}
	return false
}

// ParseTenantRole parses a stored or user-supplied tenant role.
func ParseTenantRole(s string) (TenantRole, error) {
	r := TenantRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown tenant role %q", s)
	}
	return r, nil
}

// MemberRole refines the permissions of users whose tenant role is member.
type MemberRole string

const (
	MemberRoleEditor      MemberRole = "editor"
	MemberRoleViewer      MemberRole = "viewer"
	MemberRoleContributor MemberRole = "contributor"
	MemberRoleModerator   MemberRole = "moderator"
)

// DefaultMemberRole applies when a member has no member role assigned.
const DefaultMemberRole = MemberRoleContributor

// MemberRoles lists every member role in matrix order.
var MemberRoles = []MemberRole{MemberRoleEditor, MemberRoleViewer, MemberRoleContributor, MemberRoleModerator}

func (r MemberRole) index() (int, bool) {
	switch r {
	case MemberRoleEditor:
		return 0, true
	case MemberRoleViewer:
		return 1, true
	case MemberRoleContributor:
		return 2, true
	case MemberRoleModerator:
		return 3, true
	}
	return 0, false
}

// Valid reports whether r is a known member role.
func (r MemberRole) Valid() bool {
	_, ok := r.index()
	return ok
}

// ParseMemberRole parses a stored or user-supplied member role.
func ParseMemberRole(s string) (MemberRole, error) {
	r := MemberRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown member role %q", s)
	}
	return r, nil
}

// EffectiveMemberRole resolves an optional member role, defaulting to contributor.
func EffectiveMemberRole(r *MemberRole) MemberRole {
	if r == nil || *r == "" {
		return DefaultMemberRole
	}
	return *r
}

// Resource is a kind of tenant-owned object guarded by the permission matrix.
type Resource string

const (
	ResourceTask       Resource = "task"
	ResourceProject    Resource = "project"
	ResourceComment    Resource = "comment"
	ResourceFile       Resource = "file"
	ResourceReport     Resource = "report"
	ResourceMember     Resource = "member"
	ResourceInvitation Resource = "invitation"
	ResourceBilling    Resource = "billing"
	ResourceSettings   Resource = "settings"
)

// Resources lists every resource in matrix order.
var Resources = []Resource{
	ResourceTask,
	ResourceProject,
	ResourceComment,
	ResourceFile,
	ResourceReport,
	ResourceMember,
	ResourceInvitation,
	ResourceBilling,
	ResourceSettings,
}

func (r Resource) index() (int, bool) {
	for i, res := range Resources {
		if res == r {
			return i, true
		}
	}
	return 0, false
}

// Valid reports whether r is a known resource.
func (r Resource) Valid() bool {
	_, ok := r.index()
	return ok
}

// Action is a CRUD operation on a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actions lists every action.
var Actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a.capability() != 0
}

func (a Action) capability() Capability {
	switch a {
	case ActionCreate:
		return CapCreate
	case ActionRead:
		return CapRead
	case ActionUpdate:
		return CapUpdate
	case ActionDelete:
		return CapDelete
	}
	return 0
}

// Permission is a resource/action pair declared by a route.
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns "resource:action".
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}
