// Package middleware provides the request authorization pipeline and webhook
// rate limiting.
//
// # Authorization Pipeline
//
// Stages run in a fixed order and each either passes the request on or
// writes a typed error and stops:
//
//	chain := middleware.Chain(
//		middleware.Authenticate(sessions, metrics),          // 401
//		middleware.ResolveTenant(tenantService, metrics),    // 404 / 403
//		middleware.RequirePermission(rbac.ResourceReport, rbac.ActionRead, metrics), // 403
//		middleware.RequireFeature(entitlements, "advanced_reports", metrics),        // 402
//	)
//	router.Handle("/tenants/{tenant_id}/reports", chain(reportsHandler))
//
// Authenticate attaches an auth.Principal; ResolveTenant attaches a
// tenants.Membership that the later stages read. Stages that find their
// input missing deny.
//
// # Rate Limiting
//
// RateLimiter keeps in-process token buckets (golang.org/x/time/rate).
// DistributedRateLimiter shares a per-second counter through Redis and falls
// back to an in-process limiter when Redis is unavailable:
//
//	local := middleware.NewRateLimiter(cfg)
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "ratelimit:webhooks", local)
//	router.Use(mux.MiddlewareFunc(middleware.RateLimit(limiter, middleware.KeyByProviderAndIP, time.Second)))
package middleware
