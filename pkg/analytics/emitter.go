package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/billing"
	"github.com/platinummonkey/keel/pkg/observability"
)

// ErrQueueFull is returned when the async emitter cannot accept more events.
var ErrQueueFull = errors.New("analytics queue full")

// Emitter receives subscription analytics events.
type Emitter interface {
	Emit(ctx context.Context, event *billing.AnalyticsEvent) error
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	logger *observability.Logger
}

func NewLogEmitter(logger *observability.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event *billing.AnalyticsEvent) error {
	e.logger.WithFields(map[string]interface{}{
		"analytics_event": event.Name,
		"provider":        string(event.Provider),
		"subscriber_id":   event.SubscriberID,
		"tenant_id":       event.TenantID,
		"event_id":        event.EventID,
		"occurred_at":     event.OccurredAt.Format(time.RFC3339),
	}).Info("Subscription analytics event")
	return nil
}

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event *billing.AnalyticsEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncEmitter hands events to a worker pool so callers never wait on the
// downstream emitter. Failures after hand-off are logged and counted.
type AsyncEmitter struct {
	next    Emitter
	pool    *async.WorkerPool
	metrics *observability.Metrics
	logger  *observability.Logger
}

// AsyncConfig sizes the emitter's worker pool.
type AsyncConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func NewAsyncEmitter(ctx context.Context, next Emitter, cfg AsyncConfig, metrics *observability.Metrics, logger *observability.Logger) *AsyncEmitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AsyncEmitter{
		next:    next,
		pool:    async.NewWorkerPool(ctx, logger, cfg.Workers, cfg.QueueSize, "analytics", cfg.Timeout),
		metrics: metrics,
		logger:  logger,
	}
}

// Emit queues the event. It fails only when the queue is full or closed.
func (e *AsyncEmitter) Emit(ctx context.Context, event *billing.AnalyticsEvent) error {
	ok := e.pool.TrySubmit(func(ctx context.Context) error {
		if err := e.next.Emit(ctx, event); err != nil {
			e.metrics.RecordAnalyticsFailure(event.Name)
			e.logger.WithError(err).WithField("analytics_event", event.Name).Warn("Failed to deliver analytics event")
		}
		return nil
	})
	if !ok {
		return ErrQueueFull
	}
	return nil
}

// Close drains queued events.
func (e *AsyncEmitter) Close(timeout time.Duration) error {
	return e.pool.Shutdown(timeout)
}
