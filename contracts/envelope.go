package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Priority defines the delivery priority of a message. Higher values are
// drained first by the sender's dispatch loop.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Priorities lists all priority levels from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Status represents the delivery status of a message envelope.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusFailed
	StatusRetrying
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusRetrying:
		return "retrying"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusExpired
}

// MessageEnvelope wraps a payload with delivery metadata. It is the unit of
// work tracked by the sender from creation until it lands in the sent history
// or the dead letter queue.
type MessageEnvelope struct {
	ID            string                 `json:"id"`
	Destination   string                 `json:"destination"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      Priority               `json:"priority"`
	CreatedAt     time.Time              `json:"createdAt"`
	ExpiresAt     *time.Time             `json:"expiresAt,omitempty"`
	RetryCount    int                    `json:"retryCount"`
	MaxRetries    int                    `json:"maxRetries"`
	Status        Status                 `json:"status"`
	LastAttemptAt *time.Time             `json:"lastAttemptAt,omitempty"`
	LastError     string                 `json:"lastError,omitempty"`
	SchemaName    string                 `json:"schemaName,omitempty"`
}

// EnvelopeOption configures a new envelope.
type EnvelopeOption func(*MessageEnvelope)

// WithPriority sets the envelope priority.
func WithPriority(p Priority) EnvelopeOption {
	return func(e *MessageEnvelope) {
		e.Priority = p
	}
}

// WithSchema names the schema the payload must validate against before the
// first send attempt.
func WithSchema(name string) EnvelopeOption {
	return func(e *MessageEnvelope) {
		e.SchemaName = name
	}
}

// WithTTL sets an absolute expiry deadline relative to creation time. Once
// passed the envelope is never attempted again.
func WithTTL(ttl time.Duration) EnvelopeOption {
	return func(e *MessageEnvelope) {
		deadline := e.CreatedAt.Add(ttl)
		e.ExpiresAt = &deadline
	}
}

// WithMaxRetries sets the retry ceiling for the envelope.
func WithMaxRetries(max int) EnvelopeOption {
	return func(e *MessageEnvelope) {
		e.MaxRetries = max
	}
}

// NewEnvelope creates a pending envelope with a process-unique ID.
func NewEnvelope(destination string, payload map[string]interface{}, options ...EnvelopeOption) *MessageEnvelope {
	e := &MessageEnvelope{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     payload,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now(),
		MaxRetries:  3,
		Status:      StatusPending,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// IsExpired reports whether the envelope's deadline has passed.
func (e *MessageEnvelope) IsExpired() bool {
	return e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt)
}

// CanRetry reports whether another retry may be scheduled: budget remains,
// the deadline has not passed, and the envelope is in a failed or retrying
// state.
func (e *MessageEnvelope) CanRetry() bool {
	return e.RetryCount < e.MaxRetries &&
		!e.IsExpired() &&
		(e.Status == StatusFailed || e.Status == StatusRetrying)
}

// MarkAttempt records the start of a delivery attempt.
func (e *MessageEnvelope) MarkAttempt(at time.Time) error {
	if e.Status.IsTerminal() {
		return &TransitionError{From: e.Status, Op: "attempt"}
	}
	e.LastAttemptAt = &at
	return nil
}

// MarkSent transitions the envelope to its terminal success state.
func (e *MessageEnvelope) MarkSent() error {
	if e.Status.IsTerminal() {
		return &TransitionError{From: e.Status, To: StatusSent, Op: "sent"}
	}
	e.Status = StatusSent
	e.LastError = ""
	return nil
}

// RecordFailure records a failed attempt without deciding the retry outcome.
// The caller inspects CanRetry afterwards and either schedules a retry or
// disposes the envelope to the dead letter queue.
func (e *MessageEnvelope) RecordFailure(reason string) error {
	if e.Status.IsTerminal() {
		return &TransitionError{From: e.Status, To: StatusFailed, Op: "failure"}
	}
	e.Status = StatusFailed
	e.LastError = reason
	return nil
}

// MarkRetrying consumes one retry from the budget and transitions the
// envelope to the retrying state. Retrying is only entered from a failed
// attempt, never from pending.
func (e *MessageEnvelope) MarkRetrying() error {
	if e.Status != StatusFailed && e.Status != StatusRetrying {
		return &TransitionError{From: e.Status, To: StatusRetrying, Op: "retry"}
	}
	if e.RetryCount >= e.MaxRetries {
		return ErrRetryBudgetExhausted
	}
	e.RetryCount++
	e.Status = StatusRetrying
	return nil
}

// MarkDeferred transitions a failed envelope back to retrying without
// consuming retry budget. Used when the resource, not the message, is at
// fault, such as a circuit-open rejection.
func (e *MessageEnvelope) MarkDeferred() error {
	if e.Status != StatusFailed && e.Status != StatusRetrying {
		return &TransitionError{From: e.Status, To: StatusRetrying, Op: "defer"}
	}
	e.Status = StatusRetrying
	return nil
}

// MarkExpired transitions the envelope to its terminal expired state.
func (e *MessageEnvelope) MarkExpired() error {
	if e.Status.IsTerminal() {
		return &TransitionError{From: e.Status, To: StatusExpired, Op: "expire"}
	}
	e.Status = StatusExpired
	return nil
}
