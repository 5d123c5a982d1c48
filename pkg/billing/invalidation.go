package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/keel/pkg/observability"
)

// DefaultInvalidationChannel is the Redis channel carrying tenant ids whose
// entitlements changed.
const DefaultInvalidationChannel = "keel:entitlements:invalidate"

// RedisInvalidationBus fans cache invalidations out to every instance.
// Invalidate drops the local entry at once and publishes the tenant id; Run
// applies ids published by other instances.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	local   CacheInvalidator
	logger  *observability.Logger
}

func NewRedisInvalidationBus(client *redis.Client, local CacheInvalidator, logger *observability.Logger) *RedisInvalidationBus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisInvalidationBus{
		client:  client,
		channel: DefaultInvalidationChannel,
		local:   local,
		logger:  logger,
	}
}

// Invalidate implements CacheInvalidator. A failed publish leaves remote
// caches to expire by TTL.
func (b *RedisInvalidationBus) Invalidate(tenantID int64) {
	b.local.Invalidate(tenantID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, strconv.FormatInt(tenantID, 10)).Err(); err != nil {
		b.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to publish entitlement invalidation")
	}
}

// Run subscribes to the channel until ctx is done. ready, if non-nil, is
// closed once the subscription is confirmed.
func (b *RedisInvalidationBus) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			tenantID, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				b.logger.WithField("payload", msg.Payload).Warn("Ignoring malformed invalidation message")
				continue
			}
			b.local.Invalidate(tenantID)
		}
	}
}
