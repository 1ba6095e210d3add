// Package amqp delivers messages over a RabbitMQ broker. The transport
// publishes persistent JSON messages in confirm mode, routed by the message
// destination, and rides out broker outages via the connection manager's
// automatic reconnect.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/rabbitmq"
	"github.com/fieldsim/courier-go/internal/reliability"
)

// DefaultExchange is the topic exchange all messages are published to.
const DefaultExchange = "courier.messages"

// Transport implements messaging.Transport over AMQP.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

// Option configures the transport.
type Option func(*Transport)

// WithExchange overrides the target exchange.
func WithExchange(name string) Option {
	return func(t *Transport) {
		t.exchange = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport connects to the broker at url and declares the exchange.
func NewTransport(ctx context.Context, url string, options ...Option) (*Transport, error) {
	t := &Transport{
		exchange: DefaultExchange,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	t.manager = rabbitmq.NewConnectionManager(url, rabbitmq.WithConnectionLogger(t.logger))
	if err := t.manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	if err := t.declareExchange(); err != nil {
		t.manager.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	t.publisher = rabbitmq.NewPublisher(t.manager, rabbitmq.WithPublisherLogger(t.logger))
	return t, nil
}

// Send publishes the envelope to the exchange, routed by destination. The
// message priority maps onto the AMQP priority field and the remaining TTL
// onto the per-message expiration, so the broker drops what the sender would
// anyway discard.
func (t *Transport) Send(ctx context.Context, env *contracts.MessageEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return reliability.RetryableError{
			Err:       fmt.Errorf("marshal envelope: %w", err),
			Retryable: false,
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Priority:     amqpPriority(env.Priority),
	}
	if env.ExpiresAt != nil {
		remaining := time.Until(*env.ExpiresAt)
		if remaining > 0 {
			msg.Expiration = fmt.Sprintf("%d", remaining.Milliseconds())
		}
	}

	return t.publisher.Publish(ctx, t.exchange, env.Destination, msg)
}

// IsAvailable reports whether the broker connection is live. It never blocks;
// reconnection happens in the background.
func (t *Transport) IsAvailable() bool {
	return t.manager.IsConnected()
}

// Close releases the publisher and the broker connection.
func (t *Transport) Close() error {
	if t.publisher != nil {
		t.publisher.Close()
	}
	return t.manager.Close()
}

func (t *Transport) declareExchange() error {
	conn, err := t.manager.GetConnection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.ExchangeDeclare(
		t.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// amqpPriority maps courier priorities onto the 0-9 AMQP range.
func amqpPriority(p contracts.Priority) uint8 {
	switch p {
	case contracts.PriorityCritical:
		return 9
	case contracts.PriorityHigh:
		return 7
	case contracts.PriorityNormal:
		return 4
	case contracts.PriorityLow:
		return 1
	default:
		return 4
	}
}
