package courier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/reliability"
	"github.com/fieldsim/courier-go/messaging"
	"github.com/fieldsim/courier-go/schema"
	amqptransport "github.com/fieldsim/courier-go/transports/amqp"
	"github.com/fieldsim/courier-go/transports/httppost"
)

// Client is the main entry point for courier-go. It owns a configured
// ReliableMessageSender plus the transports named at construction, and runs
// the background dispatch loop.
type Client struct {
	sender *messaging.ReliableMessageSender
	closer []func() error
	cancel context.CancelFunc
}

// clientConfig holds client configuration.
type clientConfig struct {
	logger       *slog.Logger
	httpBaseURL  string
	amqpURL      string
	breaker      *reliability.CircuitBreaker
	retryPolicy  reliability.RetryPolicy
	validator    *schema.MessageValidator
	senderOption []messaging.SenderOption
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithHTTPTransport registers an HTTP POST transport rooted at baseURL.
func WithHTTPTransport(baseURL string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpBaseURL = baseURL
	}
}

// WithAMQPTransport registers a broker transport connected to url.
func WithAMQPTransport(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpURL = url
	}
}

// WithCircuitBreaker wraps transport sends in the given breaker.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = cb
	}
}

// WithRetryPolicy overrides the default exponential backoff.
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithValidator overrides the default validator and its built-in schemas.
func WithValidator(v *schema.MessageValidator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.validator = v
	}
}

// WithSenderOptions passes extra options through to the sender.
func WithSenderOptions(options ...messaging.SenderOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.senderOption = append(cfg.senderOption, options...)
	}
}

// NewClient creates a client, connects its transports and starts the
// dispatch loop. At least one transport must be configured.
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	senderOpts := []messaging.SenderOption{
		messaging.WithSenderLogger(cfg.logger),
	}
	if cfg.breaker != nil {
		senderOpts = append(senderOpts, messaging.WithCircuitBreaker(cfg.breaker))
	}
	if cfg.retryPolicy != nil {
		senderOpts = append(senderOpts, messaging.WithRetryPolicy(cfg.retryPolicy))
	}
	if cfg.validator != nil {
		senderOpts = append(senderOpts, messaging.WithValidator(cfg.validator))
	}
	senderOpts = append(senderOpts, cfg.senderOption...)

	c := &Client{
		sender: messaging.NewReliableMessageSender(senderOpts...),
	}

	registered := 0
	if cfg.httpBaseURL != "" {
		transport, err := httppost.NewTransport(cfg.httpBaseURL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c.sender.RegisterTransport("http", transport)
		registered++
	}

	if cfg.amqpURL != "" {
		transport, err := amqptransport.NewTransport(ctx, cfg.amqpURL,
			amqptransport.WithLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("create amqp transport: %w", err)
		}
		c.sender.RegisterTransport("amqp", transport)
		c.closer = append(c.closer, transport.Close)
		registered++
	}

	if registered == 0 {
		return nil, fmt.Errorf("no transport configured")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sender.Run(loopCtx)

	return c, nil
}

// Send queues a message for reliable delivery and returns its tracking ID.
func (c *Client) Send(ctx context.Context, destination string, payload map[string]interface{}, options ...contracts.EnvelopeOption) (string, error) {
	return c.sender.Send(ctx, destination, payload, options...)
}

// Status reports the delivery status of a message by ID.
func (c *Client) Status(messageID string) (contracts.Status, bool) {
	return c.sender.Status(messageID)
}

// Statistics returns a snapshot of delivery counters.
func (c *Client) Statistics() messaging.Statistics {
	return c.sender.Statistics()
}

// DeadLetters exposes the dead letter queue.
func (c *Client) DeadLetters() *reliability.DeadLetterQueue {
	return c.sender.DeadLetters()
}

// Sender exposes the underlying sender for advanced wiring such as extra
// transports or delivery listeners registered after construction.
func (c *Client) Sender() *messaging.ReliableMessageSender {
	return c.sender
}

// Close stops the dispatch loop and releases transport resources.
func (c *Client) Close() error {
	c.sender.Stop()
	if c.cancel != nil {
		c.cancel()
	}

	var firstErr error
	for _, close := range c.closer {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
