package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/observability"
)

type maintenanceStore interface {
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
	ListLapsedGraceWindows(ctx context.Context, cutoff time.Time) ([]*billing.Subscription, error)
}

type eventCounter interface {
	CountsSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

type janitor struct {
	store     maintenanceStore
	events    eventCounter
	metrics   *observability.Metrics
	logger    logrus.FieldLogger
	retention time.Duration
	lookback  time.Duration
	now       func() time.Time
}

// pruneWebhookEvents drops idempotency records older than the retention
// window. Redeliveries older than that are treated as new events.
func (j *janitor) pruneWebhookEvents(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.PruneWebhookEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	j.metrics.WebhookEventsPruned.Add(float64(n))
	j.logger.WithFields(logrus.Fields{"pruned": n, "cutoff": cutoff.Format(time.RFC3339)}).Info("Pruned webhook events")
	return n, nil
}

// reportLapsedGraceWindows publishes how many past_due subscriptions have
// already lost full access. Access itself is derived at read time.
func (j *janitor) reportLapsedGraceWindows(ctx context.Context) (int, error) {
	lapsed, err := j.store.ListLapsedGraceWindows(ctx, j.now().Add(-billing.GracePeriod))
	if err != nil {
		return 0, err
	}
	j.metrics.GraceWindowsLapsed.Set(float64(len(lapsed)))
	for _, sub := range lapsed {
		j.logger.WithFields(logrus.Fields{
			"tenant_id":      sub.TenantID,
			"provider":       string(sub.Provider),
			"past_due_since": sub.PastDueSince.Format(time.RFC3339),
		}).Warn("Grace window lapsed")
	}
	return len(lapsed), nil
}

func (j *janitor) reportEventCounts(ctx context.Context) error {
	since := j.now().Add(-j.lookback)
	counts, err := j.events.CountsSince(ctx, since)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := logrus.Fields{"since": since.Format(time.RFC3339)}
	for _, name := range names {
		fields[name] = counts[name]
	}
	j.logger.WithFields(fields).Info("Subscription events")
	return nil
}

func (j *janitor) runAll(ctx context.Context) error {
	var errs []error
	if _, err := j.pruneWebhookEvents(ctx); err != nil {
		errs = append(errs, fmt.Errorf("prune webhook events: %w", err))
	}
	if _, err := j.reportLapsedGraceWindows(ctx); err != nil {
		errs = append(errs, fmt.Errorf("grace windows: %w", err))
	}
	if err := j.reportEventCounts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event counts: %w", err))
	}
	return errors.Join(errs...)
}
