package rbac

// Capability is a set of actions permitted on a resource.
type Capability uint8

const (
	CapCreate Capability = 1 << iota
	CapRead
	CapUpdate
	CapDelete

	CapNone Capability = 0
	CapCRUD            = CapCreate | CapRead | CapUpdate | CapDelete
	CapCRU             = CapCreate | CapRead | CapUpdate
	CapCR              = CapCreate | CapRead
	CapRUD             = CapRead | CapUpdate | CapDelete
	CapRD              = CapRead | CapDelete
)

// Has reports whether c includes action a.
func (c Capability) Has(a Action) bool {
	bit := a.capability()
	return bit != 0 && c&bit == bit
}

// Actions expands c into its actions in CRUD order.
func (c Capability) Actions() []Action {
	var out []Action
	for _, a := range Actions {
		if c.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

const (
	numMemberRoles = 4
	numResources   = 9
)

// matrix is indexed by MemberRole.index() then Resource.index(). Resources left at
// CapNone (invitation, billing, settings) are owner/admin only.
var matrix = [numMemberRoles][numResources]Capability{
	// editor
	{CapCRUD, CapCRU, CapCRUD, CapCRUD, CapRead, CapRead, CapNone, CapNone, CapNone},
	// viewer
	{CapRead, CapRead, CapRead, CapRead, CapRead, CapRead, CapNone, CapNone, CapNone},
	// contributor
	{CapCRU, CapRead, CapCRU, CapCR, CapRead, CapRead, CapNone, CapNone, CapNone},
	// moderator
	{CapRUD, CapRead, CapRUD, CapRD, CapRead, CapRead, CapNone, CapNone, CapNone},
}

// CapabilityFor returns the capability set for a member role on a resource.
// Unknown roles or resources yield CapNone.
func CapabilityFor(role MemberRole, resource Resource) Capability {
	ri, ok := role.index()
	if !ok {
		return CapNone
	}
	si, ok := resource.index()
	if !ok {
		return CapNone
	}
	return matrix[ri][si]
}

// Permissions returns the resources a member role can touch and the actions allowed
// on each. Resources with no capability are omitted.
func Permissions(role MemberRole) map[Resource][]Action {
	out := make(map[Resource][]Action)
	for _, res := range Resources {
		if acts := CapabilityFor(role, res).Actions(); len(acts) > 0 {
			out[res] = acts
		}
	}
	return out
}
