package messaging

import (
	"context"

	"github.com/fieldsim/courier-go/contracts"
)

// Transport delivers an envelope to its destination over some channel. Send
// returns nil once the message has been handed to the remote side; errors may
// carry an IsRetryable flag to steer the sender's retry decision, and errors
// without one are treated as transient.
type Transport interface {
	// Send delivers the envelope. It must honor ctx cancellation.
	Send(ctx context.Context, envelope *contracts.MessageEnvelope) error
	// IsAvailable reports whether the transport is currently usable. It must
	// not block; transports track health in the background.
	IsAvailable() bool
}

// registeredTransport pairs a transport with the name it was registered
// under, used in logs and delivery events.
type registeredTransport struct {
	name      string
	transport Transport
}
