package middleware

import (
	"net/http"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/rbac"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// RequirePermission allows the request only if the resolved membership may
// perform action on resource. A missing membership is denied.
func RequirePermission(resource rbac.Resource, action rbac.Action, metrics *observability.Metrics) Middleware {
	required := rbac.Permission{Resource: resource, Action: action}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			membership := tenants.MembershipFromContext(r.Context())
			if membership == nil || !rbac.Check(membership.TenantRole, membership.MemberRole, required) {
				observability.FromContext(r.Context()).
					WithField("permission", required.String()).
					Debug("Permission denied")
				metrics.RecordAuthz("permission", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrForbidden)
				return
			}
			metrics.RecordAuthz("permission", outcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}
