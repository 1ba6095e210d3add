// Package messaging implements reliable at-least-once message delivery over
// pluggable transports.
//
// The ReliableMessageSender is the entry point: it validates outbound
// payloads against registered schemas, picks the first available transport,
// wraps sends in an optional circuit breaker and retries transient failures
// with exponential backoff. Messages that exhaust their retry budget, expire
// or fail a non-retryable error are captured in a dead letter queue for
// inspection.
//
// Delivery order is priority-first: the background loop drains due retries,
// then each priority level from critical down to low, dispatching a bounded
// batch per level each cycle so high-priority floods cannot starve the rest.
// Within a level messages dispatch in arrival order.
package messaging
