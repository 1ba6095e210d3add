package reliability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fieldsim/courier-go/contracts"
)

// DeadLetterEntry records an irrecoverable envelope and why it died.
type DeadLetterEntry struct {
	Envelope *contracts.MessageEnvelope `json:"envelope"`
	Reason   string                     `json:"reason"`
	DeadAt   time.Time                  `json:"deadAt"`
}

// DeadLetterQueue is a bounded in-memory sink for terminally failed or
// expired envelopes. Exceeding capacity evicts the oldest entry. Nothing is
// ever retried from here automatically; the queue exists for inspection,
// alerting and manual replay by an operator tool.
type DeadLetterQueue struct {
	mu       sync.RWMutex
	entries  []*DeadLetterEntry
	index    map[string]*DeadLetterEntry
	capacity int
	logger   *slog.Logger
}

// DLQOption configures the dead letter queue.
type DLQOption func(*DeadLetterQueue)

// WithDLQCapacity sets the maximum number of retained entries.
func WithDLQCapacity(capacity int) DLQOption {
	return func(q *DeadLetterQueue) {
		q.capacity = capacity
	}
}

// WithDLQLogger sets the logger.
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(q *DeadLetterQueue) {
		q.logger = logger
	}
}

// NewDeadLetterQueue creates a dead letter queue with a default capacity of
// 10000 entries.
func NewDeadLetterQueue(options ...DLQOption) *DeadLetterQueue {
	q := &DeadLetterQueue{
		index:    make(map[string]*DeadLetterEntry),
		capacity: 10000,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// Add records an envelope as dead. The oldest entry is evicted if the queue
// is at capacity.
func (q *DeadLetterQueue) Add(envelope *contracts.MessageEnvelope, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &DeadLetterEntry{
		Envelope: envelope,
		Reason:   reason,
		DeadAt:   time.Now(),
	}

	if len(q.entries) >= q.capacity {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.index, evicted.Envelope.ID)
		q.logger.Warn("dead letter queue at capacity, evicted oldest entry",
			"evictedMessageId", evicted.Envelope.ID,
			"capacity", q.capacity)
	}

	q.entries = append(q.entries, entry)
	q.index[envelope.ID] = entry

	q.logger.Warn("message dead-lettered",
		"messageId", envelope.ID,
		"destination", envelope.Destination,
		"reason", reason,
		"retryCount", envelope.RetryCount,
		"status", envelope.Status.String())
}

// List returns up to limit entries in insertion order, newest-limit first
// when the queue holds more than limit. A non-positive limit returns all
// entries.
func (q *DeadLetterQueue) List(limit int) []*DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	start := 0
	if limit > 0 && len(q.entries) > limit {
		start = len(q.entries) - limit
	}

	out := make([]*DeadLetterEntry, len(q.entries)-start)
	copy(out, q.entries[start:])
	return out
}

// Find returns the entry for a message ID, if present.
func (q *DeadLetterQueue) Find(messageID string) (*DeadLetterEntry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, ok := q.index[messageID]
	return entry, ok
}

// Size returns the number of retained entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Clear removes all entries. Intended for operator tooling and tests.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
	q.index = make(map[string]*DeadLetterEntry)
}
