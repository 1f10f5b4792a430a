package bridge

import (
	"context"
	"sync"

	"skein/native"
)

// DeliveryResult is the terminal outcome of a successful send: where the
// broker placed the message.
type DeliveryResult struct {
	Topic     string
	Partition int32
	Offset    int64
}

// CommitResult is the terminal outcome of a successful async commit.
type CommitResult struct {
	Offsets []native.CommittedOffset
}

// Completion is a single-resolution slot. It is resolved exactly once, by
// the poll loop dispatching the matching native report or by shutdown
// draining the registry; abandoning an awaited Completion is harmless.
type Completion[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Delivery is the awaitable returned by Producer.Send.
type Delivery = Completion[DeliveryResult]

// Commit is the awaitable returned by Consumer.CommitAsync.
type Commit = Completion[CommitResult]

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// resolve completes the slot. Returns false if it was already resolved;
// callers treat that as an anomaly, not a fault.
func (c *Completion[T]) resolve(val T, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.val, c.err = val, err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the slot holds its terminal result.
func (c *Completion[T]) Done() <-chan struct{} { return c.done }

// Wait blocks until resolution or ctx expiry. A ctx error abandons the
// completion without affecting registry bookkeeping.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Outcome reports the result without blocking; ok is false while pending.
func (c *Completion[T]) Outcome() (val T, err error, ok bool) {
	select {
	case <-c.done:
		return c.val, c.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
