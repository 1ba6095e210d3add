// Package reliability provides the fault-tolerance building blocks for the
// courier delivery subsystem.
//
//   - Retry policies: exponential backoff with jitter (the delivery
//     default), linear and fixed variants, with retryability carried as an
//     explicit property of errors rather than inferred from types.
//   - Circuit breaker: trips after repeated failures, rejects calls during a
//     cooldown, probes recovery with trial calls.
//   - Dead letter queue: bounded in-memory sink for irrecoverable
//     envelopes, inspection only, never an automatic retry source.
//
// All types are safe for concurrent use.
package reliability
