// Package postgres provides the database plumbing: a primary/replica
// connection manager, embedded schema migrations, and the Redis client
// factory used for sessions and cross-instance cache invalidation.
package postgres
