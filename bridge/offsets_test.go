package bridge

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"skein/native"
)

func newBareStore() (*offsetStore, *fakeRuntime) {
	f := newFakeRuntime()
	return newOffsetStore(f, newRegistry[CommitResult](16), slog.Default()), f
}

func TestOffsetStore_ClampsRegressions(t *testing.T) {
	s, _ := newBareStore()
	s.recordConsumed(tp0, 10)
	s.recordConsumed(tp0, 7)
	s.recordConsumed(tp0, 10)

	off, ok := s.consumedOffset(tp0)
	if !ok || off != 10 {
		t.Fatalf("consumed = %d, %v; want 10, true", off, ok)
	}
}

func TestOffsetStore_PendingIsNextToConsume(t *testing.T) {
	s, _ := newBareStore()
	s.recordConsumed(tp0, 41)
	s.recordConsumed(tp1, 5)

	offs := s.pending(tp0)
	if len(offs) != 1 {
		t.Fatalf("pending = %v; want one entry", offs)
	}
	if offs[0].TopicPartition != tp0 || offs[0].Offset != 42 {
		t.Fatalf("pending = %+v; want %v at 42", offs[0], tp0)
	}
	if got := s.pending(); len(got) != 2 {
		t.Fatalf("unscoped pending = %v; want both partitions", got)
	}
}

func TestOffsetStore_PendingSkipsAlreadyCommitted(t *testing.T) {
	s, _ := newBareStore()
	s.recordConsumed(tp0, 41)
	s.markCommitted([]native.CommittedOffset{{TopicPartition: tp0, Offset: 42}})

	if offs := s.pending(tp0); len(offs) != 0 {
		t.Fatalf("pending = %v; want none after commit", offs)
	}

	s.recordConsumed(tp0, 42)
	offs := s.pending(tp0)
	if len(offs) != 1 || offs[0].Offset != 43 {
		t.Fatalf("pending = %v; want 43", offs)
	}
}

func TestOffsetStore_MarkCommittedIsMonotonic(t *testing.T) {
	s, _ := newBareStore()
	s.markCommitted([]native.CommittedOffset{{TopicPartition: tp0, Offset: 42}})
	s.markCommitted([]native.CommittedOffset{{TopicPartition: tp0, Offset: 40}})

	off, ok := s.committedOffset(tp0)
	if !ok || off != 42 {
		t.Fatalf("committed = %d, %v; want 42, true", off, ok)
	}
}

func TestOffsetStore_ResetForDropsOnlyNamedPartitions(t *testing.T) {
	s, _ := newBareStore()
	s.recordConsumed(tp0, 3)
	s.recordConsumed(tp1, 9)
	s.markCommitted([]native.CommittedOffset{{TopicPartition: tp0, Offset: 4}})

	s.resetFor([]native.TopicPartition{tp0})

	if _, ok := s.consumedOffset(tp0); ok {
		t.Fatal("partition 0 survived reset")
	}
	if _, ok := s.committedOffset(tp0); ok {
		t.Fatal("partition 0 committed cache survived reset")
	}
	if off, ok := s.consumedOffset(tp1); !ok || off != 9 {
		t.Fatalf("partition 1 = %d, %v; want 9, true", off, ok)
	}
}

func TestOffsetStore_CommitSyncMarksOnSuccessOnly(t *testing.T) {
	s, f := newBareStore()
	s.recordConsumed(tp0, 11)

	if err := s.commitSync(context.Background(), tp0); err != nil {
		t.Fatalf("commitSync: %v", err)
	}
	if off, _ := s.committedOffset(tp0); off != 12 {
		t.Fatalf("committed = %d; want 12", off)
	}

	s.recordConsumed(tp0, 12)
	f.mu.Lock()
	f.commitErr = native.ErrClosed
	f.mu.Unlock()
	err := s.commitSync(context.Background(), tp0)
	if err == nil {
		t.Fatal("commitSync succeeded against failing runtime")
	}
	if off, _ := s.committedOffset(tp0); off != 12 {
		t.Fatalf("committed advanced to %d on failed commit", off)
	}
}

// A sync commit whose context is already expired must not queue behind an
// in-flight commit; it returns the context error while the other commit
// still holds the serialization slot.
func TestOffsetStore_ExpiredCommitDoesNotQueue(t *testing.T) {
	s, f := newBareStore()
	s.recordConsumed(tp0, 5)

	hold := make(chan struct{})
	f.mu.Lock()
	f.commitHold = hold
	f.mu.Unlock()

	inFlight := make(chan error, 1)
	go func() { inFlight <- s.commitSync(context.Background(), tp0) }()

	// Wait for the first commit to own the slot, then race an expired one.
	deadline := time.Now().Add(time.Second)
	for len(s.commitSem) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first commit never started")
		}
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.commitSync(ctx, tp0); err != context.Canceled {
		t.Fatalf("expired commit = %v; want context.Canceled", err)
	}

	close(hold)
	if err := <-inFlight; err != nil {
		t.Fatalf("in-flight commit: %v", err)
	}
}
