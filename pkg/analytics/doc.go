// Package analytics records subscription lifecycle events derived from
// billing webhooks.
//
// # Emitters
//
// The billing reconciler hands each committed change to an Emitter:
//
//	tracker := analytics.NewEventTracker(db)
//	emitter := analytics.NewAsyncEmitter(ctx, analytics.MultiEmitter{tracker, analytics.NewLogEmitter(logger)},
//		analytics.AsyncConfig{Workers: 2, QueueSize: 256}, metrics, logger)
//	defer emitter.Close(5 * time.Second)
//
// EventTracker writes to the subscription_events table, deduplicated on
// (provider, event_id, name) so a replayed delivery cannot double count.
// AsyncEmitter decouples delivery from the webhook response and counts
// failures in keel_analytics_emit_failures_total.
//
// # Queries
//
// Service lists a tenant's history and summarizes event counts for the
// janitor's daily report.
package analytics
