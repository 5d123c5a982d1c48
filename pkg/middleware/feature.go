package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/tenants"
)

// FeatureChecker answers whether a tenant's plan includes a feature.
type FeatureChecker interface {
	HasFeatureAccess(ctx context.Context, tenantID int64, featureKey string) (bool, error)
}

// RequireFeature allows the request only if the tenant's subscription grants
// featureKey. Lookup failures are 500, never a pass.
func RequireFeature(checker FeatureChecker, featureKey string, metrics *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			membership := tenants.MembershipFromContext(r.Context())
			if membership == nil {
				metrics.RecordAuthz("feature", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrForbidden)
				return
			}

			ok, err := checker.HasFeatureAccess(r.Context(), membership.TenantID, featureKey)
			if err != nil {
				metrics.RecordAuthz("feature", outcomeError)
				httputil.WriteError(w, r, apperrors.ErrInternal.WithCause(err))
				return
			}
			if !ok {
				metrics.RecordAuthz("feature", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrFeatureNotAvailable.WithMessage("feature not available on current plan: "+featureKey))
				return
			}
			metrics.RecordAuthz("feature", outcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}
