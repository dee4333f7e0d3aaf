// Package kafkasink publishes dead-letter records to a Kafka topic so
// downstream systems can react to quarantined work.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/forgeworks/workq/core/queue"
)

// Config holds the broker list and topic.
type Config struct {
	Brokers      []string      `env:"DLQ_KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"DLQ_KAFKA_TOPIC" envDefault:"workq.dead-letters"`
	WriteTimeout time.Duration `env:"DLQ_KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
	MaxAttempts  int           `env:"DLQ_KAFKA_MAX_ATTEMPTS" envDefault:"5"`
}

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements queue.Archive over a Kafka writer. Records are keyed by
// message id so every record of one message lands on the same partition.
type Sink struct {
	writer Writer
	topic  string
}

var _ queue.Archive = (*Sink)(nil)

// New creates a synchronous writer with acks from all in-sync replicas.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkasink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkasink: topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}
	return NewWithWriter(w, ""), nil
}

// NewWithWriter wraps an existing writer. topic is set on every message and
// must be empty when the writer has its own Topic.
func NewWithWriter(w Writer, topic string) *Sink {
	return &Sink{writer: w, topic: topic}
}

// Archive implements queue.Archive.
func (s *Sink) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("kafkasink: dead letter record cannot be nil")
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter record %s: %w", rec.Message.ID, err)
	}

	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(rec.Message.ID),
		Value: value,
		Time:  rec.DeadLetteredAt,
		Headers: []kafka.Header{
			{Key: "original-queue", Value: []byte(rec.OriginalQueue)},
			{Key: "dead-letter-queue", Value: []byte(rec.DeadLetterQueue)},
			{Key: "trace-id", Value: []byte(rec.Message.Metadata.TraceID)},
			{Key: "retry-count", Value: []byte(strconv.Itoa(rec.FinalRetryCount))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", rec.Message.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
