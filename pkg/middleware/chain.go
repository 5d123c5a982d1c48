package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes stages so that the first runs outermost. Each stage either
// calls the next handler or writes a response and stops the chain.
func Chain(stages ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(stages) - 1; i >= 0; i-- {
			final = stages[i](final)
		}
		return final
	}
}

// Outcome labels recorded in keel_authz_decisions_total.
const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
	outcomeError   = "error"
)
