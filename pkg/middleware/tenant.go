package middleware

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// TenantHeader is consulted when the route has no tenant_id variable.
const TenantHeader = "X-Tenant-ID"

// ResolveTenant loads the caller's membership in the target tenant. A tenant
// that does not exist is reported as 404; an existing tenant the caller does
// not belong to is 403.
func ResolveTenant(resolver tenants.MembershipResolver, metrics *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := auth.PrincipalFromContext(r.Context())
			if principal == nil {
				metrics.RecordAuthz("tenant", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrUnauthorized)
				return
			}

			tenantID, ok := targetTenant(r)
			if !ok {
				metrics.RecordAuthz("tenant", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrNotFound.WithMessage("tenant not found"))
				return
			}

			membership, err := resolver.GetMembership(r.Context(), tenantID, principal.UserID)
			if err != nil {
				if apperrors.CodeOf(err) != apperrors.CodeNotFound {
					metrics.RecordAuthz("tenant", outcomeError)
					httputil.WriteError(w, r, err)
					return
				}
				exists, existsErr := resolver.TenantExists(r.Context(), tenantID)
				if existsErr != nil {
					metrics.RecordAuthz("tenant", outcomeError)
					httputil.WriteError(w, r, existsErr)
					return
				}
				metrics.RecordAuthz("tenant", outcomeDenied)
				if !exists {
					httputil.WriteError(w, r, apperrors.ErrNotFound.WithMessage("tenant not found"))
					return
				}
				httputil.WriteError(w, r, apperrors.ErrForbidden)
				return
			}

			metrics.RecordAuthz("tenant", outcomeAllowed)
			ctx := tenants.WithMembership(r.Context(), membership)
			ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithField("tenant_id", tenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func targetTenant(r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["tenant_id"]
	if raw == "" {
		raw = r.Header.Get(TenantHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
