// Package tenants manages tenants and the memberships that link users to them.
//
// A membership carries a tenant role (owner, admin, member) and, for members, an
// optional member role consulted by pkg/rbac. Each (tenant, user) pair has at most
// one membership.
//
// # Owner invariant
//
// A tenant keeps at least one owner. The check happens when an owner is demoted
// or removed, inside a transaction that locks the tenant's owner rows. There is no
// standing database constraint, so rows written outside this package bypass it.
//
// Members cannot remove themselves through RemoveMember.
package tenants
