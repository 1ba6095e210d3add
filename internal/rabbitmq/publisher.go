package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages in confirm mode over a dedicated channel. A
// publish only succeeds once the broker acks it, so a nil return means the
// broker holds the message. The channel is re-opened lazily after connection
// loss.
type Publisher struct {
	manager        *ConnectionManager
	mu             sync.Mutex
	channel        *amqp.Channel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	logger         *slog.Logger
	closed         bool
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker ack.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a confirming publisher over the managed connection.
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with the given routing key and waits for the
// broker confirmation.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, confirms, err := p.channelLocked()
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.dropChannelLocked()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			p.dropChannelLocked()
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionClosed, Timestamp: time.Now()}
		}
		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotAcked, Timestamp: time.Now()}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		p.dropChannelLocked()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionTimeout, Timestamp: time.Now()}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel. The connection manager is left untouched.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.dropChannelLocked()
	return nil
}

// channelLocked returns the confirm-mode channel, opening one if needed.
// Caller holds p.mu.
func (p *Publisher) channelLocked() (*amqp.Channel, chan amqp.Confirmation, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, p.confirms, nil
	}
	p.dropChannelLocked()

	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, nil, err
	}

	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return p.channel, p.confirms, nil
}

func (p *Publisher) dropChannelLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
		p.confirms = nil
	}
}
