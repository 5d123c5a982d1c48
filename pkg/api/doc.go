// Package api exposes the HTTP surface: provider webhook ingress, tenant and
// membership management, entitlements and billing flows.
//
// Every tenant route is mounted behind the authorization chain from
// pkg/middleware, built by Guards:
//
//	GET    /tenants/{tenant_id}/members                 member:read
//	POST   /tenants/{tenant_id}/billing/checkout        billing:update
//	GET    /tenants/{tenant_id}/reports/subscription-events
//	                                                    report:read + advanced_reports
//
// POST /webhooks/{provider} is authenticated by the provider signature and
// answers {"status": "processed" | "duplicate" | "ignored"}.
package api
