package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes envelopes to a topic, keyed by operation id so one
// operation's events stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}}
}

// Deliver implements Target.
func (k *KafkaSink) Deliver(ctx context.Context, m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.OperationID),
		Value:   b,
		Time:    m.Timestamp,
		Headers: []kafka.Header{{Key: "event", Value: []byte(m.Event)}},
	})
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
