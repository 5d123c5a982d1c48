// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
//
// Errors are always written through WriteError so that every failure carries a
// machine-readable code from pkg/apperrors and never leaks internal detail.
package httputil
