package messaging

import "errors"

var (
	// ErrNoTransportAvailable signals that no registered transport reported
	// itself available for an attempt. It is transient: the attempt fails and
	// the envelope follows the normal retry path.
	ErrNoTransportAvailable = errors.New("messaging: no transport available")

	// ErrSenderAlreadyRunning is returned by Run when a dispatch loop is
	// already active for this sender.
	ErrSenderAlreadyRunning = errors.New("messaging: sender already running")
)
