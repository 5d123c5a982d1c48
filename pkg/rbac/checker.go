package rbac

// IsAdminOrOwner reports whether role bypasses the member permission matrix.
func IsAdminOrOwner(role TenantRole) bool {
	return role == TenantRoleOwner || role == TenantRoleAdmin
}

// CanAccess decides whether a tenant member may perform action on resource.
//
// Owners and admins may do anything. Members are checked against the static
// matrix using their member role (contributor when unset). Anything unknown is
// denied.
func CanAccess(tenantRole TenantRole, memberRole *MemberRole, resource Resource, action Action) bool {
	if IsAdminOrOwner(tenantRole) {
		return true
	}
	if tenantRole != TenantRoleMember {
		return false
	}
	return CapabilityFor(EffectiveMemberRole(memberRole), resource).Has(action)
}

// Check is CanAccess over a Permission value.
func Check(tenantRole TenantRole, memberRole *MemberRole, p Permission) bool {
	return CanAccess(tenantRole, memberRole, p.Resource, p.Action)
}
