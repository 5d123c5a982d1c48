// Package webhooks secures inbound provider webhooks.
//
// Providers sign each delivery with a hex HMAC-SHA256 of the raw body using a
// shared secret. Verifier recomputes it and compares in constant time. A missing
// secret rejects every delivery unless the verifier was explicitly built to
// accept unsigned deliveries for local development.
package webhooks
