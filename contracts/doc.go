// Package contracts provides the core data types for the courier delivery
// subsystem.
//
// The central type is MessageEnvelope: the tracked unit of work wrapping an
// opaque payload with delivery metadata. Envelopes move through a small state
// machine (pending, retrying, failed, sent, expired); sent and expired are
// terminal and immutable. All other components reference these types and
// depend on nothing else.
package contracts
