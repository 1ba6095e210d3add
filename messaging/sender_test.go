package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/reliability"
	"github.com/fieldsim/courier-go/schema"
)

// fakeTransport records sends and can be programmed to fail the first N
// calls or to report itself unavailable.
type fakeTransport struct {
	mu        sync.Mutex
	unhealthy bool
	failFirst int
	failErr   error
	calls     int
	sent      []*contracts.MessageEnvelope
}

func (t *fakeTransport) Send(ctx context.Context, env *contracts.MessageEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls <= t.failFirst {
		if t.failErr != nil {
			return t.failErr
		}
		return errors.New("send failed")
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.unhealthy
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTransport) sentIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.sent))
	for i, env := range t.sent {
		ids[i] = env.ID
	}
	return ids
}

func quietSender(options ...SenderOption) *ReliableMessageSender {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReliableMessageSender(append([]SenderOption{WithSenderLogger(discard)}, options...)...)
}

// drainRetries runs processing cycles until the retry schedule and queues
// are empty or the deadline passes.
func drainRetries(t *testing.T, s *ReliableMessageSender, deadline time.Duration) {
	t.Helper()

	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		s.mu.Lock()
		idle := s.retries.len() == 0 && s.queue.len() == 0
		s.mu.Unlock()
		if idle {
			return
		}
		s.processCycle(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("retries did not drain before deadline")
}

func TestSenderDelivery(t *testing.T) {
	t.Run("successful send lands in sent history", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender()
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		status, found := s.Status(id)
		require.True(t, found)
		assert.Equal(t, contracts.StatusSent, status)
		assert.Equal(t, 1, transport.callCount())

		stats := s.Statistics()
		assert.Equal(t, int64(1), stats.TotalSent)
		assert.Zero(t, stats.TotalFailed)
		assert.Zero(t, stats.TotalPending)
		assert.Equal(t, 1.0, stats.SuccessRate)
	})

	t.Run("transport errors exhaust the retry budget then dead-letter", func(t *testing.T) {
		transport := &fakeTransport{failFirst: 100}
		s := quietSender(
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)),
			WithDefaultMaxRetries(2),
		)
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)

		drainRetries(t, s, time.Second)

		// Initial attempt plus two retries.
		assert.Equal(t, 3, transport.callCount())

		status, found := s.Status(id)
		require.True(t, found)
		assert.Equal(t, contracts.StatusFailed, status)

		entry, found := s.DeadLetters().Find(id)
		require.True(t, found)
		assert.Equal(t, "max retries exceeded", entry.Reason)

		stats := s.Statistics()
		assert.Equal(t, int64(1), stats.TotalFailed)
		assert.Zero(t, stats.TotalPending)
		assert.Equal(t, int64(1), stats.FailedByReason[ReasonMaxRetriesReached])
	})

	t.Run("recovery mid-retry delivers", func(t *testing.T) {
		transport := &fakeTransport{failFirst: 2}
		s := quietSender(WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)

		drainRetries(t, s, time.Second)

		assert.Equal(t, 3, transport.callCount())
		status, _ := s.Status(id)
		assert.Equal(t, contracts.StatusSent, status)
	})

	t.Run("non-retryable error dead-letters after one attempt", func(t *testing.T) {
		transport := &fakeTransport{
			failFirst: 100,
			failErr:   reliability.RetryableError{Err: errors.New("destination rejected payload"), Retryable: false},
		}
		s := quietSender()
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)

		assert.Equal(t, 1, transport.callCount())
		entry, found := s.DeadLetters().Find(id)
		require.True(t, found)
		assert.Contains(t, entry.Reason, "non-retryable")

		stats := s.Statistics()
		assert.Equal(t, int64(1), stats.FailedByReason[ReasonNonRetryable])
	})

	t.Run("expired message is never attempted", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender()
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service",
			map[string]interface{}{"k": "v"},
			contracts.WithTTL(-time.Second))
		require.NoError(t, err)

		assert.Zero(t, transport.callCount())

		status, found := s.Status(id)
		require.True(t, found)
		assert.Equal(t, contracts.StatusExpired, status)

		entry, found := s.DeadLetters().Find(id)
		require.True(t, found)
		assert.Contains(t, entry.Reason, "expired")
	})

	t.Run("no available transport schedules a retry", func(t *testing.T) {
		transport := &fakeTransport{unhealthy: true}
		s := quietSender(WithRetryPolicy(reliability.NewFixedDelay(time.Minute, 3)))
		s.RegisterTransport("fake", transport)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)

		assert.Zero(t, transport.callCount())

		status, found := s.Status(id)
		require.True(t, found)
		assert.Equal(t, contracts.StatusRetrying, status)

		s.mu.Lock()
		scheduled := s.retries.len()
		s.mu.Unlock()
		assert.Equal(t, 1, scheduled)
	})

	t.Run("falls back to the next registered transport", func(t *testing.T) {
		down := &fakeTransport{unhealthy: true}
		up := &fakeTransport{}
		s := quietSender()
		s.RegisterTransport("primary", down)
		s.RegisterTransport("fallback", up)

		id, err := s.Send(context.Background(), "game_service", map[string]interface{}{"k": "v"})
		require.NoError(t, err)

		assert.Zero(t, down.callCount())
		assert.Equal(t, 1, up.callCount())
		status, _ := s.Status(id)
		assert.Equal(t, contracts.StatusSent, status)
	})
}

func TestSenderValidation(t *testing.T) {
	s := quietSender()
	s.RegisterTransport("fake", &fakeTransport{})

	t.Run("invalid payload is rejected before tracking", func(t *testing.T) {
		id, err := s.Send(context.Background(), "game_service",
			map[string]interface{}{"event_type": "touchdown"},
			contracts.WithSchema("game_event"))
		require.Error(t, err)
		assert.Empty(t, id)

		var invalidErr *schema.InvalidPayloadError
		assert.ErrorAs(t, err, &invalidErr)

		// A rejected message leaves no envelope anywhere.
		s.mu.Lock()
		tracked := len(s.pending)
		s.mu.Unlock()
		assert.Zero(t, tracked)
		assert.Zero(t, s.DeadLetters().Size())

		stats := s.Statistics()
		assert.Zero(t, stats.TotalSent)
		assert.Zero(t, stats.TotalFailed)
		assert.Zero(t, stats.TotalPending)
	})

	t.Run("valid payload passes the schema gate", func(t *testing.T) {
		id, err := s.Send(context.Background(), "game_service",
			map[string]interface{}{
				"event_type": "touchdown",
				"timestamp":  float64(time.Now().Unix()),
				"game_id":    "game-7",
			},
			contracts.WithSchema("game_event"))
		require.NoError(t, err)

		status, _ := s.Status(id)
		assert.Equal(t, contracts.StatusSent, status)
	})

	t.Run("unknown schema is rejected", func(t *testing.T) {
		_, err := s.Send(context.Background(), "game_service",
			map[string]interface{}{"k": "v"},
			contracts.WithSchema("no_such_schema"))
		require.Error(t, err)
	})
}

func TestSenderPriorityOrdering(t *testing.T) {
	t.Run("higher priorities dispatch first", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender(WithImmediateDispatch(false))
		s.RegisterTransport("fake", transport)

		lowID, _ := s.Send(context.Background(), "svc", nil, contracts.WithPriority(contracts.PriorityLow))
		critID, _ := s.Send(context.Background(), "svc", nil, contracts.WithPriority(contracts.PriorityCritical))
		normID, _ := s.Send(context.Background(), "svc", nil)
		highID, _ := s.Send(context.Background(), "svc", nil, contracts.WithPriority(contracts.PriorityHigh))

		s.processCycle(context.Background())

		assert.Equal(t, []string{critID, highID, normID, lowID}, transport.sentIDs())
	})

	t.Run("arrival order within a level", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender(WithImmediateDispatch(false))
		s.RegisterTransport("fake", transport)

		firstID, _ := s.Send(context.Background(), "svc", nil)
		secondID, _ := s.Send(context.Background(), "svc", nil)

		s.processCycle(context.Background())

		assert.Equal(t, []string{firstID, secondID}, transport.sentIDs())
	})

	t.Run("bounded batches keep low priority flowing", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender(WithImmediateDispatch(false), WithBatchSize(2))
		s.RegisterTransport("fake", transport)

		for i := 0; i < 5; i++ {
			s.Send(context.Background(), "svc", nil, contracts.WithPriority(contracts.PriorityCritical))
		}
		lowID, _ := s.Send(context.Background(), "svc", nil, contracts.WithPriority(contracts.PriorityLow))

		s.processCycle(context.Background())

		// Two criticals and the single low message go out in the first
		// cycle; the remaining criticals wait their turn.
		ids := transport.sentIDs()
		require.Len(t, ids, 3)
		assert.Equal(t, lowID, ids[2])
	})
}

func TestSenderCircuitBreaker(t *testing.T) {
	t.Run("open circuit defers without consuming retry budget", func(t *testing.T) {
		transport := &fakeTransport{failFirst: 1}
		s := quietSender(
			WithRetryPolicy(reliability.NewFixedDelay(time.Minute, 3)),
			WithCircuitBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(1),
				reliability.WithTimeout(time.Hour),
			)),
		)
		s.RegisterTransport("fake", transport)

		// First message trips the breaker.
		firstID, err := s.Send(context.Background(), "svc", nil)
		require.NoError(t, err)

		// Second message is rejected by the open circuit before reaching the
		// transport and keeps its full retry budget.
		secondID, err := s.Send(context.Background(), "svc", nil)
		require.NoError(t, err)

		assert.Equal(t, 1, transport.callCount())

		s.mu.Lock()
		first := s.pending[firstID]
		second := s.pending[secondID]
		s.mu.Unlock()

		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, 1, first.RetryCount, "transport failure consumes budget")
		assert.Zero(t, second.RetryCount, "circuit rejection must not consume budget")
		assert.Equal(t, contracts.StatusRetrying, second.Status)
	})
}

func TestSenderRunLoop(t *testing.T) {
	t.Run("background loop delivers and Stop shuts it down", func(t *testing.T) {
		transport := &fakeTransport{}
		s := quietSender(
			WithImmediateDispatch(false),
			WithIdleInterval(5*time.Millisecond),
		)
		s.RegisterTransport("fake", transport)

		done := make(chan error, 1)
		go func() {
			done <- s.Run(context.Background())
		}()

		id, err := s.Send(context.Background(), "svc", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			status, found := s.Status(id)
			return found && status == contracts.StatusSent
		}, time.Second, 5*time.Millisecond)

		s.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Stop")
		}
		assert.False(t, s.IsRunning())
	})

	t.Run("second Run is rejected while the first is active", func(t *testing.T) {
		s := quietSender(WithIdleInterval(5 * time.Millisecond))

		done := make(chan error, 1)
		go func() {
			done <- s.Run(context.Background())
		}()

		require.Eventually(t, s.IsRunning, time.Second, time.Millisecond)
		assert.ErrorIs(t, s.Run(context.Background()), ErrSenderAlreadyRunning)

		s.Stop()
		<-done
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		s := quietSender(WithIdleInterval(5 * time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- s.Run(ctx)
		}()

		require.Eventually(t, s.IsRunning, time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})
}

type recordingDeliveryListener struct {
	mu            sync.Mutex
	attempts      []int
	delivered     []string
	retries       []string
	deadLettered  []string
	deadReasons   []string
	deliveredSeen chan struct{}
	deadSeen      chan struct{}
}

func newRecordingDeliveryListener() *recordingDeliveryListener {
	return &recordingDeliveryListener{
		deliveredSeen: make(chan struct{}, 16),
		deadSeen:      make(chan struct{}, 16),
	}
}

func (l *recordingDeliveryListener) OnAttempt(env *contracts.MessageEnvelope, attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
}

func (l *recordingDeliveryListener) OnDelivered(env *contracts.MessageEnvelope) {
	l.mu.Lock()
	l.delivered = append(l.delivered, env.ID)
	l.mu.Unlock()
	l.deliveredSeen <- struct{}{}
}

func (l *recordingDeliveryListener) OnRetryScheduled(env *contracts.MessageEnvelope, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries = append(l.retries, env.ID)
}

func (l *recordingDeliveryListener) OnDeadLettered(env *contracts.MessageEnvelope, reason string) {
	l.mu.Lock()
	l.deadLettered = append(l.deadLettered, env.ID)
	l.deadReasons = append(l.deadReasons, reason)
	l.mu.Unlock()
	l.deadSeen <- struct{}{}
}

func TestSenderListeners(t *testing.T) {
	listener := newRecordingDeliveryListener()
	transport := &fakeTransport{failFirst: 1}
	s := quietSender(
		WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		WithDeliveryListener(listener),
	)
	s.RegisterTransport("fake", transport)

	id, err := s.Send(context.Background(), "svc", nil)
	require.NoError(t, err)

	drainRetries(t, s, time.Second)

	select {
	case <-listener.deliveredSeen:
	case <-time.After(time.Second):
		t.Fatal("delivered event never fired")
	}

	// Listener callbacks run on their own goroutines; wait for the attempt
	// events to land.
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.attempts) == 2
	}, time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Contains(t, listener.delivered, id)
	assert.Contains(t, listener.retries, id)
	assert.Contains(t, listener.attempts, 1)
	assert.Contains(t, listener.attempts, 2)
	assert.Empty(t, listener.deadLettered)
}

func TestSenderStatistics(t *testing.T) {
	transport := &fakeTransport{}
	s := quietSender()
	s.RegisterTransport("fake", transport)

	okID, err := s.Send(context.Background(), "svc", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	badID, err := s.Send(context.Background(), "svc", nil, contracts.WithTTL(-time.Second))
	require.NoError(t, err)

	stats := s.Statistics()
	assert.Equal(t, int64(1), stats.TotalSent)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 1, stats.DeadLetterSize)
	assert.Equal(t, int64(1), stats.FailedByReason[ReasonExpired])

	// Each message lives in exactly one place afterwards.
	okStatus, _ := s.Status(okID)
	badStatus, _ := s.Status(badID)
	assert.Equal(t, contracts.StatusSent, okStatus)
	assert.Equal(t, contracts.StatusExpired, badStatus)

	_, inDLQ := s.DeadLetters().Find(okID)
	assert.False(t, inDLQ)

	_, found := s.Status("no-such-id")
	assert.False(t, found)
}

func TestSenderSentHistoryLimit(t *testing.T) {
	transport := &fakeTransport{}
	s := quietSender(WithSentHistoryLimit(2))
	s.RegisterTransport("fake", transport)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Send(context.Background(), "svc", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, found := s.Status(ids[0])
	assert.False(t, found, "oldest sent entry must be evicted")

	for _, id := range ids[1:] {
		status, found := s.Status(id)
		require.True(t, found)
		assert.Equal(t, contracts.StatusSent, status)
	}

	stats := s.Statistics()
	assert.Equal(t, int64(3), stats.TotalSent, "eviction must not change totals")
}
