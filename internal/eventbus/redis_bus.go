// Package eventbus publishes work-order progress events on a volatile
// Redis pub/sub channel, implementing domain.EventBus.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// RedisBus publishes and subscribes to domain.ProgressEvent over Redis
// pub/sub. Nothing is persisted: a subscriber started after an event was
// published simply never sees it, and callers recover state from
// domain.WorkOrderStore instead of replaying history.
type RedisBus struct {
	redis *redis.Client
}

// NewRedisBus constructs a RedisBus over an existing Redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{redis: rdb}
}

// PublishEvent marshals evt as JSON and publishes it on channel.
func (b *RedisBus) PublishEvent(ctx domain.Context, channel string, evt domain.ProgressEvent) error {
	if b == nil || b.redis == nil {
		return fmt.Errorf("op=eventbus.publish_event: not configured")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("op=eventbus.publish_event.marshal: %w", err)
	}
	if err := b.redis.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("op=eventbus.publish_event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to channel and returns a channel of
// decoded events plus an unsubscribe function. Events that fail to
// decode are logged and dropped rather than surfaced as an error, since
// one malformed publish should not tear down the subscription.
func (b *RedisBus) Subscribe(ctx domain.Context, channel string) (<-chan domain.ProgressEvent, func(), error) {
	if b == nil || b.redis == nil {
		return nil, nil, fmt.Errorf("op=eventbus.subscribe: not configured")
	}

	sub := b.redis.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=eventbus.subscribe: %w", err)
	}

	out := make(chan domain.ProgressEvent, 16)
	raw := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var evt domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					slog.Error("eventbus: dropping malformed progress event", slog.String("channel", channel), slog.Any("error", err))
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	unsubscribe := func() {
		_ = sub.Close()
	}
	return out, unsubscribe, nil
}

// Channel returns the pub/sub channel name for a work order's progress
// stream. Kept as a single helper so producers and subscribers never
// drift apart on the naming scheme.
func Channel(workOrderID string) string {
	return "work-order:" + workOrderID + ":progress"
}
