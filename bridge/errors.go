package bridge

import (
	"errors"

	"skein/native"
)

// Re-exported native errors (shared taxonomy between the bridge surface and
// its drivers).
var (
	// ErrQueueFull is producer backpressure from the native send queue.
	// Retryable by the caller; the bridge never buffers past it.
	ErrQueueFull = native.ErrQueueFull

	// ErrInvalidMessage marks messages the runtime rejected outright.
	ErrInvalidMessage = native.ErrInvalidMessage
)

// Bridge-level errors.
var (
	// ErrRegistryFull is producer-side backpressure distinct from the
	// native queue: too many unacknowledged sends are already in flight.
	ErrRegistryFull = errors.New("bridge: delivery registry full")

	// ErrClientClosed is terminal. Every pending completion resolves with
	// it on shutdown, and every later operation returns it.
	ErrClientClosed = errors.New("bridge: client closed")

	// ErrCommitFailed wraps a failed offset commit. Non-fatal to the
	// consumer.
	ErrCommitFailed = errors.New("bridge: commit failed")

	// ErrNotSubscribed is returned by consumer operations that need a
	// subscription before any was made.
	ErrNotSubscribed = errors.New("bridge: consumer not subscribed")
)
