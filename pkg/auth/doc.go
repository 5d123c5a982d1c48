// Package auth validates the session tokens issued by the login flow.
//
// Sessions live in Redis under the SHA-256 hash of their token; the raw token is
// only ever held by the client (cookie or bearer header). A session lookup yields
// a Principal that the middleware chain attaches to the request context.
package auth
