package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/reliability"
	"github.com/fieldsim/courier-go/schema"
)

// Dead letter reason categories used in statistics.
const (
	ReasonExpired           = "expired"
	ReasonMaxRetriesReached = "max_retries_exceeded"
	ReasonNonRetryable      = "non_retryable"
)

// Statistics is a point-in-time snapshot of sender counters.
type Statistics struct {
	TotalSent         int64            `json:"totalSent"`
	TotalFailed       int64            `json:"totalFailed"`
	TotalPending      int              `json:"totalPending"`
	SuccessRate       float64          `json:"successRate"`
	PendingByPriority map[string]int   `json:"pendingByPriority"`
	FailedByReason    map[string]int64 `json:"failedByReason"`
	DeadLetterSize    int              `json:"deadLetterSize"`
}

// ReliableMessageSender accepts messages, validates them, delivers them over
// registered transports and retries failures with backoff until the retry
// budget or TTL runs out, at which point they land in the dead letter queue.
//
// Every in-flight envelope lives in exactly one place: the pending map tracks
// it from acceptance until it moves to the sent history or the dead letter
// queue. The priority queues and the retry schedule only reference envelopes
// that are still pending.
type ReliableMessageSender struct {
	mu         sync.Mutex
	transports []registeredTransport
	queue      *priorityQueue
	retries    *retrySchedule
	pending    map[string]*contracts.MessageEnvelope
	sentOrder  []string
	sentIndex  map[string]*contracts.MessageEnvelope

	totalSent      int64
	totalFailed    int64
	failedByReason map[string]int64

	validator   *schema.MessageValidator
	retryPolicy reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker
	dlq         *reliability.DeadLetterQueue
	logger      *slog.Logger
	listeners   []DeliveryListener

	batchSize         int
	idleInterval      time.Duration
	sentHistoryLimit  int
	defaultMaxRetries int
	immediateDispatch bool

	running atomic.Bool
	stopMu  sync.Mutex
	stopCh  chan struct{}
}

// SenderOption configures the sender.
type SenderOption func(*ReliableMessageSender)

// WithRetryPolicy sets the backoff policy for failed deliveries.
func WithRetryPolicy(policy reliability.RetryPolicy) SenderOption {
	return func(s *ReliableMessageSender) {
		s.retryPolicy = policy
	}
}

// WithValidator sets the schema validator consulted for messages that carry a
// schema name.
func WithValidator(v *schema.MessageValidator) SenderOption {
	return func(s *ReliableMessageSender) {
		s.validator = v
	}
}

// WithCircuitBreaker wraps every transport send in the given breaker.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) SenderOption {
	return func(s *ReliableMessageSender) {
		s.breaker = cb
	}
}

// WithDeadLetterQueue sets the queue that receives undeliverable messages.
func WithDeadLetterQueue(dlq *reliability.DeadLetterQueue) SenderOption {
	return func(s *ReliableMessageSender) {
		s.dlq = dlq
	}
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *ReliableMessageSender) {
		s.logger = logger
	}
}

// WithDeliveryListener registers a delivery lifecycle listener.
func WithDeliveryListener(l DeliveryListener) SenderOption {
	return func(s *ReliableMessageSender) {
		s.listeners = append(s.listeners, l)
	}
}

// WithBatchSize bounds how many envelopes a single priority level may
// dispatch per processing cycle, so lower priorities are never starved.
func WithBatchSize(n int) SenderOption {
	return func(s *ReliableMessageSender) {
		s.batchSize = n
	}
}

// WithIdleInterval sets how long the dispatch loop sleeps when it finds
// nothing to do.
func WithIdleInterval(d time.Duration) SenderOption {
	return func(s *ReliableMessageSender) {
		s.idleInterval = d
	}
}

// WithSentHistoryLimit bounds the number of delivered envelopes retained for
// status lookups. Oldest entries are dropped first.
func WithSentHistoryLimit(n int) SenderOption {
	return func(s *ReliableMessageSender) {
		s.sentHistoryLimit = n
	}
}

// WithDefaultMaxRetries sets the retry budget for messages that do not
// specify their own.
func WithDefaultMaxRetries(n int) SenderOption {
	return func(s *ReliableMessageSender) {
		s.defaultMaxRetries = n
	}
}

// WithImmediateDispatch controls whether Send attempts delivery inline. When
// disabled every message waits for the background loop, which makes priority
// ordering strict.
func WithImmediateDispatch(enabled bool) SenderOption {
	return func(s *ReliableMessageSender) {
		s.immediateDispatch = enabled
	}
}

// NewReliableMessageSender creates a sender with defaults: exponential
// backoff (1s initial, 60s cap, doubling, jitter), 3 retries, a 10k-entry
// dead letter queue, validation against the built-in schemas, batches of 10
// per priority and a 1s idle interval. Transports are registered separately.
func NewReliableMessageSender(options ...SenderOption) *ReliableMessageSender {
	s := &ReliableMessageSender{
		queue:          newPriorityQueue(),
		retries:        newRetrySchedule(),
		pending:        make(map[string]*contracts.MessageEnvelope),
		sentIndex:      make(map[string]*contracts.MessageEnvelope),
		failedByReason: make(map[string]int64),

		batchSize:         10,
		idleInterval:      time.Second,
		sentHistoryLimit:  1000,
		defaultMaxRetries: 3,
		immediateDispatch: true,
	}

	for _, opt := range options {
		opt(s)
	}

	if s.validator == nil {
		s.validator = schema.NewMessageValidator()
	}
	if s.retryPolicy == nil {
		s.retryPolicy = reliability.DefaultRetryPolicy()
	}
	if s.dlq == nil {
		s.dlq = reliability.NewDeadLetterQueue()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// RegisterTransport adds a named transport. Transports are tried in
// registration order; the first one reporting available handles the attempt.
func (s *ReliableMessageSender) RegisterTransport(name string, t Transport) {
	s.mu.Lock()
	s.transports = append(s.transports, registeredTransport{name: name, transport: t})
	s.mu.Unlock()

	s.logger.Info("transport registered", "transport", name)
}

// Send accepts a message for reliable delivery to destination and returns
// its tracking ID. If the message names a schema, the payload is validated
// first and rejected messages are never tracked. Delivery is attempted
// inline when immediate dispatch is on; failures are absorbed into the retry
// machinery either way, so Send only errors on validation.
func (s *ReliableMessageSender) Send(ctx context.Context, destination string, payload map[string]interface{}, options ...contracts.EnvelopeOption) (string, error) {
	// The schema gate runs before any envelope exists, so a rejected
	// message never creates delivery state.
	var probe contracts.MessageEnvelope
	for _, opt := range options {
		opt(&probe)
	}
	if probe.SchemaName != "" {
		if err := s.validator.Validate(payload, probe.SchemaName); err != nil {
			s.logger.Error("message rejected by validation",
				"destination", destination,
				"schema", probe.SchemaName,
				"error", err)
			return "", fmt.Errorf("validate message: %w", err)
		}
	}

	opts := make([]contracts.EnvelopeOption, 0, len(options)+1)
	opts = append(opts, contracts.WithMaxRetries(s.defaultMaxRetries))
	opts = append(opts, options...)

	env := contracts.NewEnvelope(destination, payload, opts...)

	s.mu.Lock()
	s.pending[env.ID] = env
	s.queue.push(env)
	s.mu.Unlock()

	s.logger.Debug("message accepted",
		"messageId", env.ID,
		"destination", destination,
		"priority", env.Priority.String())

	if s.immediateDispatch {
		s.mu.Lock()
		claimed := s.queue.remove(env)
		s.mu.Unlock()
		if claimed {
			s.dispatch(ctx, env)
		}
	}

	return env.ID, nil
}

// Status reports the current delivery status of a message by ID, checking
// in-flight envelopes, the sent history and the dead letter queue.
func (s *ReliableMessageSender) Status(messageID string) (contracts.Status, bool) {
	s.mu.Lock()
	if env, ok := s.pending[messageID]; ok {
		status := env.Status
		s.mu.Unlock()
		return status, true
	}
	if env, ok := s.sentIndex[messageID]; ok {
		status := env.Status
		s.mu.Unlock()
		return status, true
	}
	s.mu.Unlock()

	if entry, ok := s.dlq.Find(messageID); ok {
		return entry.Envelope.Status, true
	}
	return contracts.StatusPending, false
}

// Statistics returns a snapshot of delivery counters.
func (s *ReliableMessageSender) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPriority := make(map[string]int)
	for _, env := range s.pending {
		byPriority[env.Priority.String()]++
	}

	byReason := make(map[string]int64, len(s.failedByReason))
	for reason, n := range s.failedByReason {
		byReason[reason] = n
	}

	stats := Statistics{
		TotalSent:         s.totalSent,
		TotalFailed:       s.totalFailed,
		TotalPending:      len(s.pending),
		SuccessRate:       1.0,
		PendingByPriority: byPriority,
		FailedByReason:    byReason,
		DeadLetterSize:    s.dlq.Size(),
	}

	if total := s.totalSent + s.totalFailed; total > 0 {
		stats.SuccessRate = float64(s.totalSent) / float64(total)
	}
	return stats
}

// DeadLetters exposes the dead letter queue for inspection and redelivery
// tooling.
func (s *ReliableMessageSender) DeadLetters() *reliability.DeadLetterQueue {
	return s.dlq
}

// Run drives the background dispatch loop until ctx is cancelled or Stop is
// called. Each cycle drains due retries first, then each priority level from
// critical down, dispatching at most the batch size per level so a flood of
// high-priority traffic cannot starve the rest.
func (s *ReliableMessageSender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSenderAlreadyRunning
	}
	defer s.running.Store(false)

	s.stopMu.Lock()
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.stopMu.Unlock()

	s.logger.Info("dispatch loop started",
		"batchSize", s.batchSize,
		"idleInterval", s.idleInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop stopped", "reason", "context cancelled")
			return ctx.Err()
		case <-stopCh:
			s.logger.Info("dispatch loop stopped", "reason", "stop requested")
			return nil
		default:
		}

		if s.processCycle(ctx) == 0 {
			select {
			case <-time.After(s.idleInterval):
			case <-ctx.Done():
				s.logger.Info("dispatch loop stopped", "reason", "context cancelled")
				return ctx.Err()
			case <-stopCh:
				s.logger.Info("dispatch loop stopped", "reason", "stop requested")
				return nil
			}
		}
	}
}

// Stop signals the dispatch loop to exit. It is safe to call multiple times
// and when the loop is not running; the sender can be run again afterwards.
func (s *ReliableMessageSender) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// IsRunning reports whether the dispatch loop is active.
func (s *ReliableMessageSender) IsRunning() bool {
	return s.running.Load()
}

// processCycle performs one pass over due retries and queued messages,
// returning the number of dispatches performed.
func (s *ReliableMessageSender) processCycle(ctx context.Context) int {
	dispatched := 0

	s.mu.Lock()
	due := s.retries.popDue(time.Now(), s.batchSize)
	s.mu.Unlock()
	for _, env := range due {
		s.dispatch(ctx, env)
		dispatched++
	}

	for _, priority := range contracts.Priorities() {
		s.mu.Lock()
		batch := s.queue.popBatch(priority, s.batchSize)
		s.mu.Unlock()
		for _, env := range batch {
			s.dispatch(ctx, env)
			dispatched++
		}
	}

	return dispatched
}

// dispatch performs one delivery attempt for an envelope that has been
// claimed from the queue or the retry schedule. The sender lock is released
// around transport I/O.
func (s *ReliableMessageSender) dispatch(ctx context.Context, env *contracts.MessageEnvelope) {
	s.mu.Lock()
	if _, tracked := s.pending[env.ID]; !tracked {
		s.mu.Unlock()
		return
	}

	if env.IsExpired() {
		env.MarkExpired()
		s.disposeLocked(env, ReasonExpired, "message expired before delivery")
		s.mu.Unlock()
		s.notifyDeadLettered(env, "message expired before delivery")
		return
	}

	selected := s.selectTransportLocked()
	attempt := env.RetryCount + 1
	env.MarkAttempt(time.Now())
	s.mu.Unlock()

	s.notifyAttempt(env, attempt)

	var err error
	switch {
	case selected == nil:
		err = ErrNoTransportAvailable
	case s.breaker != nil:
		err = s.breaker.Execute(ctx, func() error {
			return selected.transport.Send(ctx, env)
		})
	default:
		err = selected.transport.Send(ctx, env)
	}

	s.mu.Lock()
	if _, tracked := s.pending[env.ID]; !tracked {
		s.mu.Unlock()
		return
	}

	if err == nil {
		env.MarkSent()
		s.recordSentLocked(env)
		s.mu.Unlock()

		s.logger.Info("message delivered",
			"messageId", env.ID,
			"destination", env.Destination,
			"transport", selected.name,
			"attempt", attempt)
		s.notifyDelivered(env)
		return
	}

	env.RecordFailure(err.Error())

	transportName := "none"
	if selected != nil {
		transportName = selected.name
	}
	s.logger.Warn("delivery attempt failed",
		"messageId", env.ID,
		"destination", env.Destination,
		"transport", transportName,
		"attempt", attempt,
		"error", err)

	if env.IsExpired() {
		env.MarkExpired()
		s.disposeLocked(env, ReasonExpired, "message expired")
		s.mu.Unlock()
		s.notifyDeadLettered(env, "message expired")
		return
	}

	// A circuit-open rejection means the resource is at fault, not the
	// message: defer without consuming retry budget.
	var cbErr *reliability.CircuitBreakerError
	if errors.As(err, &cbErr) {
		env.MarkDeferred()
		delay := s.retryPolicy.NextDelay(env.RetryCount)
		s.retries.schedule(env, delay)
		s.mu.Unlock()

		s.logger.Debug("delivery deferred, circuit open",
			"messageId", env.ID,
			"delay", delay)
		s.notifyRetryScheduled(env, delay)
		return
	}

	if !reliability.IsRetryableError(err) {
		s.disposeLocked(env, ReasonNonRetryable, "non-retryable error: "+err.Error())
		s.mu.Unlock()
		s.notifyDeadLettered(env, "non-retryable error: "+err.Error())
		return
	}

	if env.CanRetry() {
		env.MarkRetrying()
		delay := s.retryPolicy.NextDelay(env.RetryCount - 1)
		s.retries.schedule(env, delay)
		s.mu.Unlock()

		s.logger.Info("retry scheduled",
			"messageId", env.ID,
			"retry", env.RetryCount,
			"maxRetries", env.MaxRetries,
			"delay", delay)
		s.notifyRetryScheduled(env, delay)
		return
	}

	s.disposeLocked(env, ReasonMaxRetriesReached, "max retries exceeded")
	s.mu.Unlock()
	s.notifyDeadLettered(env, "max retries exceeded")
}

// selectTransportLocked returns the first available transport in
// registration order, or nil when none are usable.
func (s *ReliableMessageSender) selectTransportLocked() *registeredTransport {
	for i := range s.transports {
		if s.transports[i].transport.IsAvailable() {
			return &s.transports[i]
		}
	}
	return nil
}

// recordSentLocked moves a delivered envelope from the pending set into the
// bounded sent history.
func (s *ReliableMessageSender) recordSentLocked(env *contracts.MessageEnvelope) {
	delete(s.pending, env.ID)
	s.sentIndex[env.ID] = env
	s.sentOrder = append(s.sentOrder, env.ID)
	s.totalSent++

	for s.sentHistoryLimit > 0 && len(s.sentOrder) > s.sentHistoryLimit {
		oldest := s.sentOrder[0]
		s.sentOrder = s.sentOrder[1:]
		delete(s.sentIndex, oldest)
	}
}

// disposeLocked moves an undeliverable envelope from the pending set into
// the dead letter queue.
func (s *ReliableMessageSender) disposeLocked(env *contracts.MessageEnvelope, category, reason string) {
	delete(s.pending, env.ID)
	s.dlq.Add(env, reason)
	s.totalFailed++
	s.failedByReason[category]++

	s.logger.Error("message dead-lettered",
		"messageId", env.ID,
		"destination", env.Destination,
		"reason", reason,
		"retries", env.RetryCount)
}
