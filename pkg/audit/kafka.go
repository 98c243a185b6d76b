package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by subject so that one subject's
// events stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink builds an asynchronous writer: WriteMessages only enqueues and
// delivery failures are reported through logger.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Warn("audit events not published", "topic", topic, "events", len(msgs), "error", err)
				}
			},
		},
	}
}

func (k *KafkaSink) Write(ctx context.Context, e Event) error {
	return k.WriteBatch(ctx, []Event{e})
}

func (k *KafkaSink) WriteBatch(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.SubjectID),
			Value: data,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "action", Value: []byte(e.Action)},
			},
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

var _ BatchSink = (*KafkaSink)(nil)
