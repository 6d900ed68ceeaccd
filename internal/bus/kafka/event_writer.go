// Package kafka publishes orchestrator events to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// Config holds the broker list and topic for event publishing.
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventWriter implements domain.EventPublisher. Each event is one message
// keyed by entity id (or cycle id for lifecycle events) with a protobuf
// Struct payload.
type EventWriter struct {
	writer messageWriter
	Topic  string
}

// NewEventWriter creates a Kafka writer for cfg.Topic.
func NewEventWriter(cfg Config) (*EventWriter, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &EventWriter{writer: w, Topic: cfg.Topic}, nil
}

// Publish sends ev to the topic.
func (p *EventWriter) Publish(ctx context.Context, ev domain.Event) error {
	value, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     eventKey(ev),
		Value:   value,
		Time:    ev.Timestamp,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(ev.Type)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *EventWriter) Close() error {
	return p.writer.Close()
}

func eventKey(ev domain.Event) []byte {
	if ev.EntityID != "" {
		return []byte(ev.EntityID)
	}
	return []byte(fmt.Sprintf("cycle-%d", ev.CycleID))
}

// EncodeEvent marshals ev as a google.protobuf.Struct.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	fields := map[string]any{
		"type":      string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	setIf := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	setIf("entity_id", ev.EntityID)
	setIf("market_address", ev.MarketAddress)
	setIf("reason", ev.Reason)
	setIf("from", string(ev.From))
	setIf("to", string(ev.To))
	if ev.CycleID != 0 {
		fields["cycle_id"] = float64(ev.CycleID)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("kafka: build event struct: %w", err)
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal event proto: %w", err)
	}
	return b, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(b []byte) (domain.Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal event proto: %w", err)
	}
	f := st.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	ev := domain.Event{
		Type:          domain.EventType(str("type")),
		EntityID:      str("entity_id"),
		MarketAddress: str("market_address"),
		Reason:        str("reason"),
		From:          domain.CycleStatus(str("from")),
		To:            domain.CycleStatus(str("to")),
		CycleID:       int64(f["cycle_id"].GetNumberValue()),
	}
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Event{}, fmt.Errorf("kafka: event timestamp: %w", err)
		}
		ev.Timestamp = t
	}
	return ev, nil
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventWriter)(nil)
