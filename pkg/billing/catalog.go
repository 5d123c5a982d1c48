package billing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Tier is a plan level. Tiers are ordered free < pro < enterprise.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

func (t Tier) rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierEnterprise:
		return 2
	}
	return -1
}

func (t Tier) Valid() bool {
	return t.rank() >= 0
}

// AtLeast reports whether t grants everything required grants.
func (t Tier) AtLeast(required Tier) bool {
	return t.Valid() && t.rank() >= required.rank()
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Catalog maps provider plan ids to tiers and features to their minimum tier.
type Catalog struct {
	// DefaultPaidTier applies to plan ids missing from Plans.
	DefaultPaidTier Tier            `yaml:"default_paid_tier"`
	Plans           map[string]Tier `yaml:"plans"`
	Features        map[string]Tier `yaml:"features"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		DefaultPaidTier: TierPro,
		Plans: map[string]Tier{
			"pro_monthly":        TierPro,
			"pro_yearly":         TierPro,
			"enterprise_monthly": TierEnterprise,
			"enterprise_yearly":  TierEnterprise,
		},
		Features: map[string]Tier{
			"basic_reports":    TierFree,
			"advanced_reports": TierPro,
			"file_uploads":     TierPro,
			"api_access":       TierPro,
			"custom_roles":     TierEnterprise,
			"audit_log":        TierEnterprise,
			"sso":              TierEnterprise,
		},
	}
}

// Validate checks every tier in the catalog.
func (c *Catalog) Validate() error {
	if !c.DefaultPaidTier.Valid() || c.DefaultPaidTier == TierFree {
		return fmt.Errorf("default_paid_tier must be a paid tier, got %q", c.DefaultPaidTier)
	}
	for plan, tier := range c.Plans {
		if !tier.Valid() {
			return fmt.Errorf("plan %q has unknown tier %q", plan, tier)
		}
	}
	for feature, tier := range c.Features {
		if !tier.Valid() {
			return fmt.Errorf("feature %q has unknown tier %q", feature, tier)
		}
	}
	return nil
}

// TierForPlan returns the tier a plan grants.
func (c *Catalog) TierForPlan(planID string) Tier {
	if tier, ok := c.Plans[planID]; ok {
		return tier
	}
	return c.DefaultPaidTier
}

// FeatureTier returns the minimum tier of a feature.
func (c *Catalog) FeatureTier(key string) (Tier, bool) {
	tier, ok := c.Features[key]
	return tier, ok
}

// FeaturesFor lists the features available at tier, sorted.
func (c *Catalog) FeaturesFor(tier Tier) []string {
	features := make([]string, 0, len(c.Features))
	for key, required := range c.Features {
		if tier.AtLeast(required) {
			features = append(features, key)
		}
	}
	sort.Strings(features)
	return features
}

// LoadCatalog reads a YAML catalog. Missing sections fall back to the
// built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	defaults := DefaultCatalog()
	if c.DefaultPaidTier == "" {
		c.DefaultPaidTier = defaults.DefaultPaidTier
	}
	if c.Plans == nil {
		c.Plans = defaults.Plans
	}
	if c.Features == nil {
		c.Features = defaults.Features
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

// CatalogSource holds the active catalog and swaps it on file changes.
type CatalogSource struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *observability.Logger
}

// NewCatalogSource loads path, or the built-in catalog when path is empty.
func NewCatalogSource(path string, logger *observability.Logger) (*CatalogSource, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &CatalogSource{path: path, logger: logger}

	c := DefaultCatalog()
	if path != "" {
		loaded, err := LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	s.current.Store(c)
	return s, nil
}

// StaticCatalog wraps a fixed catalog.
func StaticCatalog(c *Catalog) *CatalogSource {
	s := &CatalogSource{logger: observability.NopLogger()}
	s.current.Store(c)
	return s
}

// Catalog returns the active catalog.
func (s *CatalogSource) Catalog() *Catalog {
	return s.current.Load()
}

// Reload re-reads the catalog file. A bad file keeps the previous catalog.
func (s *CatalogSource) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := LoadCatalog(s.path)
	if err != nil {
		return fmt.Errorf("keeping previous catalog: %w", err)
	}
	s.current.Store(c)
	s.logger.WithField("path", s.path).Info("Catalog reloaded")
	return nil
}

// Watch reloads the catalog when its file changes, until ctx is done. The
// directory is watched so editors that replace the file are picked up.
func (s *CatalogSource) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				async.SafeGo(ctx, s.logger, 5*time.Second, "catalog reload", func(ctx context.Context) error {
					// let the writer finish
					select {
					case <-time.After(100 * time.Millisecond):
					case <-ctx.Done():
						return nil
					}
					return s.Reload()
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Catalog watcher error")
		}
	}
}
