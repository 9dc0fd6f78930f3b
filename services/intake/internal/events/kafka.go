package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes events keyed by submission id, so one submission's
// events stay ordered within a partition.
type KafkaEmitter struct {
	w messageWriter
}

func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	return &KafkaEmitter{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaEmitter) Emit(ctx context.Context, ev domain.IntakeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SubmissionID),
		Value: value,
		Time:  ev.TS,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "intake-id", Value: []byte(ev.IntakeID)},
		},
	})
}

func (k *KafkaEmitter) Close() error { return k.w.Close() }
