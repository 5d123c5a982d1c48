package billing

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/keel/pkg/observability"
)

// GracePeriod is how long a past_due subscription keeps full access.
const GracePeriod = 7 * 24 * time.Hour

// Access is the entitlement level derived from a subscription.
type Access string

const (
	AccessFull     Access = "full"
	AccessDegraded Access = "degraded"
	AccessNone     Access = "none"
)

func (a Access) rank() int {
	switch a {
	case AccessFull:
		return 2
	case AccessDegraded:
		return 1
	}
	return 0
}

// DeriveAccess computes entitlement from a subscription's status and dates.
func DeriveAccess(sub *Subscription, now time.Time) Access {
	if sub == nil {
		return AccessNone
	}
	switch sub.Status {
	case StatusActive, StatusTrialing:
		return AccessFull
	case StatusPastDue:
		if sub.PastDueSince == nil {
			return AccessFull
		}
		if now.Before(sub.PastDueSince.Add(GracePeriod)) {
			return AccessFull
		}
		return AccessDegraded
	case StatusCanceled:
		if sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd) {
			return AccessFull
		}
		return AccessNone
	}
	return AccessNone
}

// GraceEndsAt returns when a past_due subscription loses full access.
func GraceEndsAt(sub *Subscription) *time.Time {
	if sub == nil || sub.Status != StatusPastDue || sub.PastDueSince == nil {
		return nil
	}
	end := sub.PastDueSince.Add(GracePeriod)
	return &end
}

// Entitlements is a tenant's effective plan.
type Entitlements struct {
	TenantID          int64              `json:"tenant_id"`
	Tier              Tier               `json:"tier"`
	PlanTier          Tier               `json:"plan_tier"`
	Status            SubscriptionStatus `json:"status"`
	Access            Access             `json:"access"`
	Provider          Provider           `json:"provider,omitempty"`
	PlanID            string             `json:"plan_id,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	GraceEndsAt       *time.Time         `json:"grace_ends_at,omitempty"`
	Features          []string           `json:"features"`
}

// SubscriptionReader loads a tenant's subscriptions.
type SubscriptionReader interface {
	GetSubscriptions(ctx context.Context, tenantID int64) ([]*Subscription, error)
}

// EntitlementConfig configures the entitlement cache.
type EntitlementConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultEntitlementConfig returns the defaults
func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		CacheSize: 4096,
		CacheTTL:  30 * time.Second,
	}
}

// EntitlementService answers entitlement queries with a short-lived cache of
// tenant subscriptions. Access is derived on every call so grace windows
// lapse without a write.
type EntitlementService struct {
	subs    SubscriptionReader
	catalog *CatalogSource
	metrics *observability.Metrics
	cache   *lru.LRU[int64, []*Subscription]
	group   singleflight.Group
	now     func() time.Time

	// bumped by Invalidate; loads that started earlier are not cached
	epoch atomic.Uint64
}

// loadTimeout bounds a shared subscription load, which outlives any single
// caller's context.
const loadTimeout = 10 * time.Second

// NewEntitlementService creates a new EntitlementService
func NewEntitlementService(subs SubscriptionReader, catalog *CatalogSource, cfg EntitlementConfig, metrics *observability.Metrics) *EntitlementService {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultEntitlementConfig().CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultEntitlementConfig().CacheTTL
	}
	if catalog == nil {
		catalog = StaticCatalog(DefaultCatalog())
	}
	return &EntitlementService{
		subs:    subs,
		catalog: catalog,
		metrics: metrics,
		cache:   lru.NewLRU[int64, []*Subscription](cfg.CacheSize, nil, cfg.CacheTTL),
		now:     time.Now,
	}
}

// Catalog returns the active plan catalog.
func (s *EntitlementService) Catalog() *Catalog {
	return s.catalog.Catalog()
}

// Invalidate drops the cached subscriptions of a tenant.
func (s *EntitlementService) Invalidate(tenantID int64) {
	s.epoch.Add(1)
	s.group.Forget(strconv.FormatInt(tenantID, 10))
	s.cache.Remove(tenantID)
}

func (s *EntitlementService) load(ctx context.Context, tenantID int64) ([]*Subscription, error) {
	if subs, ok := s.cache.Get(tenantID); ok {
		s.metrics.RecordEntitlementCache(true)
		return subs, nil
	}
	s.metrics.RecordEntitlementCache(false)

	v, err, _ := s.group.Do(strconv.FormatInt(tenantID, 10), func() (interface{}, error) {
		epoch := s.epoch.Load()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		subs, err := s.subs.GetSubscriptions(loadCtx, tenantID)
		if err != nil {
			return nil, err
		}
		if s.epoch.Load() == epoch {
			s.cache.Add(tenantID, subs)
		}
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Subscription), nil
}

// GetTenantEntitlements returns the effective plan of a tenant. When a tenant
// has subscriptions with more than one provider the one granting the most
// access wins.
func (s *EntitlementService) GetTenantEntitlements(ctx context.Context, tenantID int64) (*Entitlements, error) {
	subs, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.derive(tenantID, subs, s.now()), nil
}

func (s *EntitlementService) derive(tenantID int64, subs []*Subscription, now time.Time) *Entitlements {
	catalog := s.catalog.Catalog()

	var best *Subscription
	bestAccess := AccessNone
	var bestTier Tier
	for _, sub := range subs {
		access := DeriveAccess(sub, now)
		tier := catalog.TierForPlan(sub.PlanID)
		if best == nil ||
			access.rank() > bestAccess.rank() ||
			(access == bestAccess && tier.rank() > bestTier.rank()) {
			best, bestAccess, bestTier = sub, access, tier
		}
	}

	ent := &Entitlements{
		TenantID: tenantID,
		Tier:     TierFree,
		PlanTier: TierFree,
		Status:   StatusNone,
		Access:   AccessNone,
	}
	if best != nil {
		ent.PlanTier = bestTier
		ent.Status = best.Status
		ent.Access = bestAccess
		ent.Provider = best.Provider
		ent.PlanID = best.PlanID
		ent.CurrentPeriodEnd = best.CurrentPeriodEnd
		ent.CancelAtPeriodEnd = best.CancelAtPeriodEnd
		ent.GraceEndsAt = GraceEndsAt(best)
		if bestAccess == AccessFull {
			ent.Tier = bestTier
		}
	}
	ent.Features = catalog.FeaturesFor(ent.Tier)
	return ent
}

// HasFeatureAccess reports whether the tenant's tier includes the feature.
// Unknown features are denied.
func (s *EntitlementService) HasFeatureAccess(ctx context.Context, tenantID int64, featureKey string) (bool, error) {
	required, ok := s.catalog.Catalog().FeatureTier(featureKey)
	if !ok {
		s.metrics.RecordEntitlementCheck(featureKey, false)
		return false, nil
	}
	return s.HasTier(ctx, tenantID, featureKey, required)
}

// HasTier reports whether the tenant's effective tier is at least required.
// feature only labels the metric.
func (s *EntitlementService) HasTier(ctx context.Context, tenantID int64, feature string, required Tier) (bool, error) {
	ent, err := s.GetTenantEntitlements(ctx, tenantID)
	if err != nil {
		return false, err
	}
	allowed := ent.Tier.AtLeast(required)
	s.metrics.RecordEntitlementCheck(feature, allowed)
	return allowed, nil
}
