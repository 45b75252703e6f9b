package redis

import (
	"context"
	"log/slog"

	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
)

// EventNotifier drops an event's cached views and announces the change to
// subscribers. Errors are logged; a stale cache entry only lives until its TTL.
type EventNotifier struct {
	cache  *Cache
	pubsub *redisx.SeatsPubSub
	logger *slog.Logger
}

func NewEventNotifier(cache *Cache, pubsub *redisx.SeatsPubSub, logger *slog.Logger) *EventNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventNotifier{
		cache:  cache,
		pubsub: pubsub,
		logger: logger.With("component", "redis.notifier"),
	}
}

func (n *EventNotifier) EventChanged(ctx context.Context, eventID int64) {
	if n.cache != nil {
		if err := n.cache.InvalidateEvent(ctx, eventID); err != nil {
			n.logger.Warn("cache invalidation failed", "event_id", eventID, "error", err)
		}
	}

	if n.pubsub != nil {
		if err := n.pubsub.Publish(ctx, eventID); err != nil {
			n.logger.Warn("seat change publish failed", "event_id", eventID, "error", err)
		}
	}
}
