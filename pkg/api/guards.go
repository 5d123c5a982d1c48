package api

import (
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/middleware"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// Guards builds the authorization chains mounted in front of handlers.
type Guards struct {
	Sessions auth.SessionStore
	Tenants  tenants.MembershipResolver
	Features middleware.FeatureChecker
	Metrics  *observability.Metrics
}

// Authenticated requires a session only.
func (g Guards) Authenticated() middleware.Middleware {
	return middleware.Authenticate(g.Sessions, g.Metrics)
}

// Member requires a session and membership in the route's tenant.
func (g Guards) Member() middleware.Middleware {
	return middleware.Chain(
		middleware.Authenticate(g.Sessions, g.Metrics),
		middleware.ResolveTenant(g.Tenants, g.Metrics),
	)
}

// Allowed adds a permission check to Member.
func (g Guards) Allowed(resource rbac.Resource, action rbac.Action) middleware.Middleware {
	return middleware.Chain(
		g.Member(),
		middleware.RequirePermission(resource, action, g.Metrics),
	)
}

// Entitled adds a feature check to Allowed.
func (g Guards) Entitled(resource rbac.Resource, action rbac.Action, featureKey string) middleware.Middleware {
	return middleware.Chain(
		g.Allowed(resource, action),
		middleware.RequireFeature(g.Features, featureKey, g.Metrics),
	)
}
