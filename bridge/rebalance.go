package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"skein/internal/telemetry"
	"skein/native"

	"github.com/avast/retry-go/v5"
)

// groupState is the consumer's externally observable membership state.
// The cycle Unassigned → Assigning → Assigned → Revoking → Unassigned
// repeats across the consumer's lifetime.
type groupState int32

const (
	stateUnassigned groupState = iota
	stateAssigning
	stateAssigned
	stateRevoking
)

func (s groupState) String() string {
	switch s {
	case stateAssigning:
		return "assigning"
	case stateAssigned:
		return "assigned"
	case stateRevoking:
		return "revoking"
	default:
		return "unassigned"
	}
}

// coordinator consumes assign/revoke events from the poll loop and drives
// the group state machine. All transitions run on the poll goroutine; the
// assignment is published as a copy-on-write snapshot for concurrent
// readers.
type coordinator struct {
	rt      native.ConsumerRuntime
	offsets *offsetStore
	cfg     RevokeCfg
	log     *slog.Logger

	state      atomic.Int32
	assignment atomic.Pointer[[]native.TopicPartition]
}

func newCoordinator(rt native.ConsumerRuntime, offsets *offsetStore, cfg RevokeCfg, log *slog.Logger) *coordinator {
	co := &coordinator{rt: rt, offsets: offsets, cfg: cfg, log: log}
	empty := []native.TopicPartition{}
	co.assignment.Store(&empty)
	return co
}

func (co *coordinator) current() groupState {
	return groupState(co.state.Load())
}

// snapshot returns the currently published assignment. The slice is never
// mutated after publication; callers must not modify it.
func (co *coordinator) snapshot() []native.TopicPartition {
	return *co.assignment.Load()
}

// onAssign applies a new assignment to the native runtime and publishes it.
// Readers during Assigning still see the prior snapshot.
func (co *coordinator) onAssign(parts []native.TopicPartition) {
	co.state.Store(int32(stateAssigning))
	telemetry.Rebalances.WithLabelValues("assign").Inc()

	co.offsets.resetFor(parts)
	if err := co.rt.Assign(parts); err != nil {
		co.log.Error("applying assignment failed", "err", err)
	}

	next := make([]native.TopicPartition, len(parts))
	copy(next, parts)
	co.assignment.Store(&next)
	co.state.Store(int32(stateAssigned))
	co.log.Info("partitions assigned", "count", len(parts))
}

// onRevoke flushes pending commits for the revoked partitions and only then
// acknowledges the revoke. No partition is released to a new
// owner before this consumer's last consumed offsets have completed a commit
// attempt, successful or retry-exhausted.
func (co *coordinator) onRevoke(parts []native.TopicPartition) {
	co.state.Store(int32(stateRevoking))
	telemetry.Rebalances.WithLabelValues("revoke").Inc()

	if err := co.flushRevoked(parts); err != nil {
		co.log.Warn("commit flush before revoke failed; possible duplicate delivery on next owner",
			"err", err, "partitions", len(parts))
	}

	remaining := subtract(co.snapshot(), parts)
	co.assignment.Store(&remaining)
	co.offsets.resetFor(parts)

	// A partial revoke acknowledges only the revoked partitions; the
	// runtime keeps the rest assigned, matching the published snapshot.
	scope := parts
	if len(remaining) == 0 {
		scope = nil
	}
	if err := co.rt.Unassign(scope); err != nil {
		co.log.Error("revoke acknowledgement failed", "err", err)
	}
	if len(remaining) == 0 {
		co.state.Store(int32(stateUnassigned))
	} else {
		co.state.Store(int32(stateAssigned))
	}
	co.log.Info("partitions revoked", "count", len(parts))
}

// flushRevoked commits the revoked partitions' offsets synchronously under a
// bounded retry/timeout policy. The bound keeps a broken broker from holding
// the rebalance open forever.
func (co *coordinator) flushRevoked(parts []native.TopicPartition) error {
	ctx, cancel := context.WithTimeout(context.Background(), co.cfg.FlushTimeout)
	defer cancel()
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(co.cfg.FlushRetries)),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	).Do(func() error { return co.offsets.commitSync(ctx, parts...) })
}

func subtract(from, remove []native.TopicPartition) []native.TopicPartition {
	gone := make(map[native.TopicPartition]bool, len(remove))
	for _, tp := range remove {
		gone[tp] = true
	}
	out := []native.TopicPartition{}
	for _, tp := range from {
		if !gone[tp] {
			out = append(out, tp)
		}
	}
	return out
}
