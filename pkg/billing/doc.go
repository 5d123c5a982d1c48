// Package billing reconciles subscription state from Polar and RevenueCat
// webhooks and derives tenant entitlements from it.
//
// Each provider has an Adapter that verifies, parses and maps deliveries to a
// vendor-neutral SubscriptionUpdate. The Reconciler applies updates through
// a Store inside one transaction keyed by the provider event id, so
// redeliveries are no-ops. The EntitlementService turns the stored
// subscription into a tier and feature set, applying the past_due grace
// window at query time.
package billing
