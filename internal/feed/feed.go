// Package feed publishes market events (price ticks, fills, liquidations,
// funding, random events) to downstream consumers.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/market-sim/internal/model"
)

// Kind names an event type.
type Kind string

const (
	KindTick           Kind = "tick"
	KindTrade          Kind = "trade"
	KindOrderPlaced    Kind = "order_placed"
	KindOrderFilled    Kind = "order_filled"
	KindOrderExpired   Kind = "order_expired"
	KindOrderDiscarded Kind = "order_discarded"
	KindPositionOpened Kind = "position_opened"
	KindPositionClosed Kind = "position_closed"
	KindLiquidation    Kind = "liquidation"
	KindFunding        Kind = "funding"
	KindMarketEvent    Kind = "market_event"
	KindAccountReset   Kind = "account_reset"
)

// Event is one feed message. Data is JSON-encoded as is.
type Event struct {
	Kind   Kind         `json:"kind"`
	Asset  model.Symbol `json:"coin,omitempty"`
	UserID string       `json:"user_id,omitempty"`
	At     time.Time    `json:"at"`
	Data   any          `json:"data,omitempty"`
}

// Publisher delivers events. Implementations must not block for long;
// failures are reported but never retried by callers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi fans events out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KafkaPublisher writes events as JSON to one topic, keyed by asset so each
// asset's events stay ordered within a partition.
type KafkaPublisher struct {
	w      *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates an async writer; delivery errors surface through
// the completion callback and are logged.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feed", "topic", topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("feed delivery failed", "messages", len(messages), "err", err)
			}
		},
	}
	return &KafkaPublisher{w: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	msgs, err := encode(events)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func encode(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Asset),
			Value: value,
			Time:  e.At,
		})
	}
	return msgs, nil
}
