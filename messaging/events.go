package messaging

import (
	"time"

	"github.com/fieldsim/courier-go/contracts"
)

// DeliveryListener observes the lifecycle of envelopes moving through the
// sender. Callbacks run on their own goroutines and must not assume any
// ordering relative to the sender's internal state.
type DeliveryListener interface {
	// OnAttempt fires before each delivery attempt. attempt is 1-based and
	// counts the initial send.
	OnAttempt(envelope *contracts.MessageEnvelope, attempt int)
	// OnDelivered fires after a transport accepts the envelope.
	OnDelivered(envelope *contracts.MessageEnvelope)
	// OnRetryScheduled fires when a failed envelope is queued for another
	// attempt after delay.
	OnRetryScheduled(envelope *contracts.MessageEnvelope, delay time.Duration)
	// OnDeadLettered fires when the sender gives up on an envelope.
	OnDeadLettered(envelope *contracts.MessageEnvelope, reason string)
}

func (s *ReliableMessageSender) notifyAttempt(env *contracts.MessageEnvelope, attempt int) {
	for _, l := range s.listeners {
		go l.OnAttempt(env, attempt)
	}
}

func (s *ReliableMessageSender) notifyDelivered(env *contracts.MessageEnvelope) {
	for _, l := range s.listeners {
		go l.OnDelivered(env)
	}
}

func (s *ReliableMessageSender) notifyRetryScheduled(env *contracts.MessageEnvelope, delay time.Duration) {
	for _, l := range s.listeners {
		go l.OnRetryScheduled(env, delay)
	}
}

func (s *ReliableMessageSender) notifyDeadLettered(env *contracts.MessageEnvelope, reason string) {
	for _, l := range s.listeners {
		go l.OnDeadLettered(env, reason)
	}
}
