package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

const (
	// EventsChannel is the pub/sub channel for live event consumers.
	EventsChannel = "kol:events"
	// EventsStream keeps recent events for late readers.
	EventsStream = "kol:events:stream"

	defaultStreamMaxLen int64 = 10000
)

// EventBus implements domain.EventPublisher using Redis Pub/Sub for live
// delivery and a capped Redis stream for recent history.
type EventBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewEventBus creates an EventBus backed by the given Client. maxLen caps
// the stream (approximate trimming); zero uses 10,000.
func NewEventBus(c *Client, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventBus{rdb: c.Underlying(), maxLen: maxLen}
}

// Publish broadcasts ev on the events channel and appends it to the stream.
func (b *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.Type, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, EventsChannel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: EventsStream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(ev.Type),
			"payload": payload,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("publish event "+string(ev.Type), err)
	}
	return nil
}

// Recent returns up to count of the newest events, newest first.
func (b *EventBus) Recent(ctx context.Context, count int) ([]domain.Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, EventsStream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, storeErr("read events", err)
	}

	out := make([]domain.Event, 0, len(msgs))
	for _, msg := range msgs {
		var data []byte
		switch v := msg.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.EventPublisher = (*EventBus)(nil)
	_ domain.EventLog       = (*EventBus)(nil)
)
