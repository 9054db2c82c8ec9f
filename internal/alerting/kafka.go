package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/ledger"
)

// Envelope is the record written to the topic; Data holds the typed payload.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// EventPayload is the wire form of a delivered sub-event.
type EventPayload struct {
	Address     string          `json:"address"`
	Signature   string          `json:"signature"`
	Index       int             `json:"index"`
	Kind        string          `json:"kind"`
	Program     string          `json:"program"`
	Source      string          `json:"source,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Mint        string          `json:"mint,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	ObservedAt  *time.Time      `json:"observed_at,omitempty"`
}

// NewEventPayload flattens ev for publishing.
func NewEventPayload(address string, ev ledger.SubEvent) EventPayload {
	return EventPayload{
		Address:     address,
		Signature:   ev.ID.String(),
		Index:       ev.Index,
		Kind:        ev.Kind,
		Program:     ev.Program,
		Source:      ev.Source,
		Destination: ev.Destination,
		Mint:        ev.Mint,
		Amount:      ev.Amount,
		AmountOut:   ev.AmountOut,
		ObservedAt:  ev.ObservedAt,
	}
}

type anomalyPayload struct {
	Address string `json:"address"`
	aggregate.Anomaly
}

type activityPayload struct {
	Address string `json:"address"`
	aggregate.Activity
}

// KafkaSink publishes events and notifications through a SyncProducer.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
	now   func() time.Time
}

// NewKafkaSink dials brokers and returns a sink for topic.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic empty")
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Retry.Max = 5
		cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{topic: topic, p: p, now: time.Now}
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// Emit wraps v in an Envelope and waits for the broker ack. key may be empty.
func (s *KafkaSink) Emit(ctx context.Context, typ, key string, v any) error {
	// SyncProducer has no ctx; honour cancellation before sending
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, TS: s.now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(b),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka emit failed: %w", err)
	}
	return nil
}

// HandleEvent publishes a sub-event keyed by its idempotency key, so
// downstream consumers can drop redeliveries.
func (s *KafkaSink) HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error {
	return s.Emit(ctx, KindEvent, ev.Key(), NewEventPayload(address, ev))
}

// Notify publishes anomaly and activity notifications.
func (s *KafkaSink) Notify(ctx context.Context, note Notification) error {
	switch {
	case note.Event != nil:
		return s.HandleEvent(ctx, note.Address, *note.Event)
	case note.Anomaly != nil:
		return s.Emit(ctx, KindAnomaly, note.Address, anomalyPayload{Address: note.Address, Anomaly: *note.Anomaly})
	case note.Activity != nil:
		return s.Emit(ctx, KindActivity, note.Address, activityPayload{Address: note.Address, Activity: *note.Activity})
	default:
		return fmt.Errorf("kafka sink: empty notification")
	}
}

var _ Notifier = (*KafkaSink)(nil)
