package auth

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/keel/pkg/contextkeys"
)

// ErrSessionNotFound is returned when a token does not map to a live session.
var ErrSessionNotFound = errors.New("session not found")

// Session is a login session issued by the authentication collaborator.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID    int64
	SessionID string
}

// SessionStore validates session tokens.
type SessionStore interface {
	// GetSession returns the session for a raw token, or ErrSessionNotFound.
	GetSession(ctx context.Context, token string) (*Session, error)
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}
