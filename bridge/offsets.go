package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"skein/internal/telemetry"
	"skein/native"
)

// offsetStore tracks, per owned partition, the highest offset handed to the
// application (consumed) and the highest offset acknowledged by the broker
// (committed). Committed values are always next-to-consume, i.e.
// consumed+1, so committed ≤ consumed+1 holds at all times and no commit can
// run ahead of consumption.
type offsetStore struct {
	rt      native.ConsumerRuntime
	commits *registry[CommitResult]
	log     *slog.Logger

	mu        sync.Mutex
	consumed  map[native.TopicPartition]int64
	committed map[native.TopicPartition]int64

	// commitSem serializes broker commits: manual sync/async requests, the
	// auto-commit timer and the revoke-time flush. A semaphore rather than
	// a mutex so sync commits can stop waiting when their context expires.
	commitSem chan struct{}
}

func newOffsetStore(rt native.ConsumerRuntime, commits *registry[CommitResult], log *slog.Logger) *offsetStore {
	return &offsetStore{
		rt:        rt,
		commits:   commits,
		log:       log,
		consumed:  make(map[native.TopicPartition]int64),
		committed: make(map[native.TopicPartition]int64),
		commitSem: make(chan struct{}, 1),
	}
}

func (s *offsetStore) acquireCommit(ctx context.Context) error {
	select {
	case s.commitSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *offsetStore) releaseCommit() { <-s.commitSem }

// recordConsumed notes that offset has been handed to the application.
// Offsets are monotonic per partition; a lower or equal offset is clamped
// and logged, never applied.
func (s *offsetStore) recordConsumed(tp native.TopicPartition, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.consumed[tp]; ok && offset <= cur {
		s.log.Debug("out-of-order consumed offset ignored",
			"topic", tp.Topic, "partition", tp.Partition, "offset", offset, "current", cur)
		return
	}
	s.consumed[tp] = offset
}

func (s *offsetStore) consumedOffset(tp native.TopicPartition) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.consumed[tp]
	return off, ok
}

func (s *offsetStore) committedOffset(tp native.TopicPartition) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.committed[tp]
	return off, ok
}

// pending returns the next-to-consume offsets not yet committed, scoped to
// parts, or to everything recorded when parts is empty.
func (s *offsetStore) pending(parts ...native.TopicPartition) []native.CommittedOffset {
	scope := map[native.TopicPartition]bool{}
	for _, tp := range parts {
		scope[tp] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []native.CommittedOffset
	for tp, off := range s.consumed {
		if len(scope) > 0 && !scope[tp] {
			continue
		}
		next := off + 1
		if s.committed[tp] == next {
			continue
		}
		out = append(out, native.CommittedOffset{TopicPartition: tp, Offset: next})
	}
	return out
}

func (s *offsetStore) markCommitted(offs []native.CommittedOffset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, off := range offs {
		if off.Offset > s.committed[off.TopicPartition] {
			s.committed[off.TopicPartition] = off.Offset
		}
	}
}

// commitSync blocks until the broker acknowledges the pending offsets or
// ctx expires. An expired ctx while another commit is in flight returns
// without queueing, so an abandoned commit never delays a revoke flush.
func (s *offsetStore) commitSync(ctx context.Context, parts ...native.TopicPartition) error {
	if err := s.acquireCommit(ctx); err != nil {
		return err
	}
	defer s.releaseCommit()
	if err := ctx.Err(); err != nil {
		return err
	}
	offs := s.pending(parts...)
	if len(offs) == 0 {
		return nil
	}
	if err := s.rt.Commit(offs, 0, false); err != nil {
		telemetry.Commits.WithLabelValues("sync", "error").Inc()
		return errors.Join(ErrCommitFailed, err)
	}
	s.markCommitted(offs)
	telemetry.Commits.WithLabelValues("sync", "ok").Inc()
	return nil
}

// commitAsync submits the pending offsets under a commit-specific token and
// returns the completion the matching CommitReport will resolve. With
// nothing pending the returned completion is already resolved.
func (s *offsetStore) commitAsync(parts ...native.TopicPartition) (*Commit, error) {
	s.commitSem <- struct{}{}
	defer s.releaseCommit()
	offs := s.pending(parts...)
	if len(offs) == 0 {
		c := newCompletion[CommitResult]()
		c.resolve(CommitResult{}, nil)
		return c, nil
	}
	tok, comp, err := s.commits.register()
	if err != nil {
		return nil, err
	}
	if err := s.rt.Commit(offs, tok, true); err != nil {
		s.commits.remove(tok)
		return nil, err
	}
	return comp, nil
}

// autoCommitTick fires untracked async commits for whatever is pending.
// Token zero marks them; their reports update the committed cache but
// resolve no completion.
func (s *offsetStore) autoCommitTick() {
	s.commitSem <- struct{}{}
	defer s.releaseCommit()
	offs := s.pending()
	if len(offs) == 0 {
		return
	}
	if err := s.rt.Commit(offs, 0, true); err != nil {
		s.log.Warn("auto-commit request failed", "err", err)
	}
}

func (s *offsetStore) autoCommitLoop(stop <-chan struct{}, interval time.Duration) func() error {
	return func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-t.C:
				s.autoCommitTick()
			}
		}
	}
}

// onCommitReport runs on the poll goroutine for every commit outcome the
// runtime reports, tracked or not.
func (s *offsetStore) onCommitReport(ev native.CommitReport) {
	mode := "auto"
	if ev.Token != 0 {
		mode = "async"
	}
	outcome := "ok"
	if ev.Err != nil {
		outcome = "error"
	}
	telemetry.Commits.WithLabelValues(mode, outcome).Inc()

	if ev.Err == nil {
		s.markCommitted(ev.Offsets)
	}

	if ev.Token != 0 {
		var err error
		if ev.Err != nil {
			err = errors.Join(ErrCommitFailed, ev.Err)
		}
		if !s.commits.resolve(ev.Token, CommitResult{Offsets: ev.Offsets}, err) {
			telemetry.Anomalies.Inc()
			s.log.Warn("commit report for unknown token", "token", ev.Token)
		}
		return
	}
	if ev.Err != nil {
		// CommitFailed is surfaced, never fatal to the consumer.
		s.log.Warn("auto-commit failed", "err", ev.Err)
	}
}

// resetFor drops cached offsets for parts. Called when ownership changes;
// positions are rebuilt from broker-reported state by the native runtime.
func (s *offsetStore) resetFor(parts []native.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tp := range parts {
		delete(s.consumed, tp)
		delete(s.committed, tp)
	}
}
