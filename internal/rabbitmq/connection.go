package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager holds the broker connection and re-establishes it in the
// background when the broker drops it. Callers check IsConnected before
// publishing and treat a false answer as the transport being unavailable.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxDelay       time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	connected      bool
	done           chan struct{}
	closeOnce      sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial delay between reconnection attempts.
// The delay doubles per attempt up to a 5 minute cap.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// NewConnectionManager creates a connection manager for the given broker URL.
// Connect must be called before use.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect
// watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))

	go cm.watch()
	return nil
}

// GetConnection returns the live connection or an error when disconnected.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts down the manager and the underlying connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connected = false
	if cm.conn != nil {
		conn := cm.conn
		cm.conn = nil
		if err := conn.Close(); err != nil {
			cm.logger.Warn("error closing broker connection", "error", err)
		}
	}
	return nil
}

// dial opens a connection, honoring ctx for cancellation. amqp.Dial has its
// own handshake timeout; the goroutine is abandoned if ctx fires first.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		default:
			conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// adopt installs a new connection. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
}

// watch waits for the broker to drop the connection and reconnects with
// doubling backoff until Close is called.
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case amqpErr := <-notifyClose:
			if amqpErr != nil {
				cm.logger.Error("broker connection lost", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until it succeeds or the manager is closed, reporting
// whether a connection was re-established.
func (cm *ConnectionManager) reconnect() bool {
	delay := cm.reconnectDelay
	start := time.Now()

	for attempt := 1; ; attempt++ {
		select {
		case <-cm.done:
			return false
		default:
		}

		cm.logger.Info("reconnecting to broker",
			"attempt", attempt,
			"url", SanitizeURL(cm.url))

		conn, err := cm.dial(context.Background())
		if err == nil {
			cm.mu.Lock()
			cm.adopt(conn)
			cm.mu.Unlock()

			cm.logger.Info("reconnected to broker",
				"attempts", attempt,
				"downtime", time.Since(start).Round(time.Millisecond))
			return true
		}

		cm.logger.Error("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
			"nextRetryIn", delay)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return false
		}

		delay *= 2
		if delay > cm.maxDelay {
			delay = cm.maxDelay
		}
	}
}
