package bridge

import (
	"sync"
	"sync/atomic"

	"skein/internal/telemetry"
)

// registry maps correlation tokens to pending completions. Inserts come from
// arbitrarily many caller goroutines; resolutions come only from the poll
// loop. Sharded so concurrent sends never serialize on one lock.
const registryShards = 16

type registry[T any] struct {
	capacity int64
	size     atomic.Int64
	next     atomic.Uint64

	shards [registryShards]regShard[T]
}

type regShard[T any] struct {
	mu      sync.Mutex
	closed  bool
	entries map[uint64]*Completion[T]
}

func newRegistry[T any](capacity int64) *registry[T] {
	r := &registry[T]{capacity: capacity}
	for i := range r.shards {
		r.shards[i].entries = make(map[uint64]*Completion[T])
	}
	return r
}

// register inserts a fresh pending entry and returns its token. Tokens are
// monotonically assigned and never reused within a client's lifetime.
// After drainAll has run, registration fails with ErrClientClosed: nothing
// is left to resolve a late entry, so it must never be inserted.
func (r *registry[T]) register() (uint64, *Completion[T], error) {
	if r.size.Add(1) > r.capacity {
		r.size.Add(-1)
		return 0, nil, ErrRegistryFull
	}
	tok := r.next.Add(1)

	c := newCompletion[T]()
	s := &r.shards[tok%registryShards]
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.size.Add(-1)
		return 0, nil, ErrClientClosed
	}
	s.entries[tok] = c
	s.mu.Unlock()

	telemetry.InFlight.Inc()
	return tok, c, nil
}

// remove deletes an entry without resolving it. Used by the send error path
// so a failed enqueue never leaks a pending slot.
func (r *registry[T]) remove(tok uint64) (*Completion[T], bool) {
	s := &r.shards[tok%registryShards]
	s.mu.Lock()
	c, ok := s.entries[tok]
	if ok {
		delete(s.entries, tok)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	telemetry.InFlight.Dec()
	return c, true
}

// resolve removes the entry and completes it atomically with respect to the
// map, so double resolution cannot happen. An unknown token returns false;
// the caller logs it as an anomaly and moves on.
func (r *registry[T]) resolve(tok uint64, val T, err error) bool {
	c, ok := r.remove(tok)
	if !ok {
		return false
	}
	c.resolve(val, err)
	return true
}

// drainAll resolves every outstanding entry with err and closes the
// registry for further registration. Invoked exactly once, at shutdown,
// after the poll loop has joined; a Send racing Close either lands before
// the sweep and is drained here, or fails to register at all.
func (r *registry[T]) drainAll(err error) int {
	var drained []*Completion[T]
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.closed = true
		for tok, c := range s.entries {
			drained = append(drained, c)
			delete(s.entries, tok)
		}
		s.mu.Unlock()
	}
	if len(drained) > 0 {
		r.size.Add(-int64(len(drained)))
		telemetry.InFlight.Sub(float64(len(drained)))
	}
	var zero T
	for _, c := range drained {
		c.resolve(zero, err)
	}
	return len(drained)
}

func (r *registry[T]) len() int {
	return int(r.size.Load())
}
