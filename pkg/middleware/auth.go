package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "keel_session"

// Authenticate resolves the caller from the session cookie, falling back to
// an "Authorization: Bearer" header. Requests without a live session get 401.
func Authenticate(store auth.SessionStore, metrics *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := sessionToken(r)
			if token == "" {
				metrics.RecordAuthz("authenticate", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrUnauthorized)
				return
			}

			session, err := store.GetSession(r.Context(), token)
			if errors.Is(err, auth.ErrSessionNotFound) {
				metrics.RecordAuthz("authenticate", outcomeDenied)
				httputil.WriteError(w, r, apperrors.ErrUnauthorized)
				return
			}
			if err != nil {
				metrics.RecordAuthz("authenticate", outcomeError)
				httputil.WriteError(w, r, apperrors.ErrInternal.WithCause(err))
				return
			}

			metrics.RecordAuthz("authenticate", outcomeAllowed)
			ctx := auth.WithPrincipal(r.Context(), &auth.Principal{UserID: session.UserID, SessionID: session.ID})
			ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithField("user_id", session.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	// Format: "Bearer <token>"
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
