package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryBudgetExhausted is returned when a retry is requested on an
	// envelope that has no retry budget left.
	ErrRetryBudgetExhausted = errors.New("envelope: retry budget exhausted")

	// ErrEnvelopeNotFound is returned when a message ID is unknown to every
	// tracking collection.
	ErrEnvelopeNotFound = errors.New("envelope: message not found")
)

// TransitionError reports an illegal envelope state transition, such as an
// attempt to mutate a terminally sent or expired envelope.
type TransitionError struct {
	From Status
	To   Status
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("envelope: illegal %s transition from terminal state %s", e.Op, e.From)
}
