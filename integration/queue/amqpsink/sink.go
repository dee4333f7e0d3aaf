// Package amqpsink publishes dead-letter records to a RabbitMQ topic exchange,
// routed by dead-letter queue name.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forgeworks/workq/core/queue"
)

// Config holds the broker URL and exchange.
type Config struct {
	URL      string `env:"DLQ_AMQP_URL"`
	Exchange string `env:"DLQ_AMQP_EXCHANGE" envDefault:"workq.dlx"`
}

// Channel is the part of *amqp.Channel the sink uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink implements queue.Archive over an AMQP channel.
type Sink struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
}

var _ queue.Archive = (*Sink)(nil)

// Dial connects, opens a channel and declares a durable topic exchange.
func Dial(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqpsink: url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqpsink: exchange is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	s := NewWithChannel(ch, cfg.Exchange)
	s.conn = conn
	return s, nil
}

// NewWithChannel wraps an open channel. The exchange must already exist.
func NewWithChannel(ch Channel, exchange string) *Sink {
	return &Sink{ch: ch, exchange: exchange}
}

// Archive implements queue.Archive.
func (s *Sink) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("amqpsink: dead letter record cannot be nil")
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter record %s: %w", rec.Message.ID, err)
	}

	err = s.ch.PublishWithContext(ctx,
		s.exchange,
		rec.DeadLetterQueue, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     rec.Message.ID,
			CorrelationId: rec.Message.Metadata.TraceID,
			Timestamp:     rec.DeadLetteredAt,
			Body:          body,
			Headers: amqp.Table{
				"x-original-queue": rec.OriginalQueue,
				"x-retry-count":    int32(rec.FinalRetryCount),
				"x-reason":         rec.Reason,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", rec.Message.ID, err)
	}
	return nil
}

// Close closes the channel and, when Dial opened it, the connection.
func (s *Sink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
