// Package rbac implements tenant role-based access control.
//
// # Roles
//
// Every tenant membership carries a TenantRole (owner, admin, member). Members
// additionally carry an optional MemberRole (editor, viewer, contributor,
// moderator); a missing member role is treated as contributor.
//
// # Matrix
//
// Owners and admins have full access. For members, a static matrix keyed by
// (MemberRole, Resource) yields a Capability bit set over create, read, update and
// delete:
//
//	              task  project  comment  file  report  member
//	editor        CRUD  CRU      CRUD     CRUD  R       R
//	contributor   CRU   R        CRU      CR    R       R
//	moderator     RUD   R        RUD      RD    R       R
//	viewer        R     R        R        R     R       R
//
// invitation, billing and settings have no member entries.
//
// # Usage
//
//	if !rbac.CanAccess(m.TenantRole, m.MemberRole, rbac.ResourceTask, rbac.ActionDelete) {
//	    return apperrors.ErrForbidden
//	}
//
// CanAccess is pure. The HTTP stage that calls it lives in pkg/middleware.
package rbac
