package bridge

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"skein/native"

	"github.com/stretchr/testify/require"
)

var (
	tp0 = native.TopicPartition{Topic: "events", Partition: 0}
	tp1 = native.TopicPartition{Topic: "events", Partition: 1}
)

func newTestConsumer(t *testing.T, f *fakeRuntime, cfg Config) *Consumer {
	t.Helper()
	c := NewConsumerFromRuntime(f, cfg)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Subscribe([]string{"events"}))
	return c
}

func msgEvent(tp native.TopicPartition, offset int64) native.MessageEvent {
	return native.MessageEvent{Message: &native.Message{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		Offset:    offset,
		Value:     []byte("v"),
	}}
}

func TestConsumer_AssignPublishesSnapshot(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	require.Empty(t, c.Assignment())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0, tp1}})
	require.Eventually(t, func() bool {
		return len(c.Assignment()) == 2
	}, time.Second, 2*time.Millisecond)
	require.Equal(t, stateAssigned, c.coord.current())
	require.Contains(t, f.callLog(), "assign")
}

func TestConsumer_PollRecordsConsumedOffset(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})
	f.push(msgEvent(tp0, 41))

	m, err := c.Poll(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, int64(41), m.Offset)

	off, ok := c.offsets.consumedOffset(tp0)
	require.True(t, ok)
	require.Equal(t, int64(41), off)
}

func TestConsumer_PollRespectsContext(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumer_PollWithoutSubscription(t *testing.T) {
	f := newFakeRuntime()
	c := NewConsumerFromRuntime(f, testConfig())
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Poll(waitCtx(t))
	require.ErrorIs(t, err, ErrNotSubscribed)
}

// Consumed offset 41 on partition 0, then a revoke before auto-commit fires:
// offset 42 (next-to-consume) must be committed synchronously, and the
// commit must land before the revoke is acknowledged.
func TestConsumer_RevokeFlushesCommitBeforeAcknowledge(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0, tp1}})
	f.push(msgEvent(tp0, 41))
	_, err := c.Poll(waitCtx(t))
	require.NoError(t, err)

	f.push(native.RevokeEvent{Partitions: []native.TopicPartition{tp0}})
	require.Eventually(t, func() bool {
		for _, call := range f.callLog() {
			if call == "unassign" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	commits := f.committed()
	require.Len(t, commits, 1)
	require.Equal(t, []native.CommittedOffset{{TopicPartition: tp0, Offset: 42}}, commits[0])

	// Ordering: the flush commit precedes the revoke acknowledgement.
	log := f.callLog()
	commitIdx, unassignIdx := -1, -1
	for i, call := range log {
		switch call {
		case "commit":
			if commitIdx == -1 {
				commitIdx = i
			}
		case "unassign":
			unassignIdx = i
		}
	}
	require.Greater(t, unassignIdx, commitIdx, "revoke acknowledged before commit flush: %v", log)

	// Partition 1 survives the partial revoke: the acknowledgement is
	// scoped to the revoked partition so the runtime keeps tp1 assigned.
	require.Equal(t, []native.TopicPartition{tp1}, c.Assignment())
	require.Equal(t, [][]native.TopicPartition{{tp0}}, f.unassignScopes())
	require.Equal(t, stateAssigned, c.coord.current())
}

// A broker that refuses commits must not hold the rebalance open forever:
// retries exhaust, the failure is recorded, and the revoke still completes.
func TestConsumer_RevokeProceedsAfterExhaustedCommitRetries(t *testing.T) {
	f := newFakeRuntime()
	f.commitErr = errors.New("coordinator not available")
	cfg := testConfig()
	cfg.Revoke = RevokeCfg{FlushTimeout: 200 * time.Millisecond, FlushRetries: 2}
	c := newTestConsumer(t, f, cfg)

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})
	f.push(msgEvent(tp0, 7))
	_, err := c.Poll(waitCtx(t))
	require.NoError(t, err)

	f.push(native.RevokeEvent{Partitions: []native.TopicPartition{tp0}})
	require.Eventually(t, func() bool {
		for _, call := range f.callLog() {
			if call == "unassign" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	require.Empty(t, f.committed())
	require.Equal(t, stateUnassigned, c.coord.current())

	// Revoking the whole assignment releases it wholesale.
	scopes := f.unassignScopes()
	require.Len(t, scopes, 1)
	require.Empty(t, scopes[0])
}

func TestConsumer_CommitAsyncResolvesLikeASend(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})
	f.push(msgEvent(tp0, 7))
	_, err := c.Poll(waitCtx(t))
	require.NoError(t, err)

	commit, err := c.CommitAsync()
	require.NoError(t, err)

	res, err := commit.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, []native.CommittedOffset{{TopicPartition: tp0, Offset: 8}}, res.Offsets)

	off, ok := c.offsets.committedOffset(tp0)
	require.True(t, ok)
	require.Equal(t, int64(8), off)
}

func TestConsumer_CommitAsyncWithNothingPending(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	commit, err := c.CommitAsync()
	require.NoError(t, err)
	res, err := commit.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Empty(t, res.Offsets)
}

func TestConsumer_SyncCommitScopedToPartition(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0, tp1}})
	f.push(msgEvent(tp0, 10))
	f.push(msgEvent(tp1, 20))
	for i := 0; i < 2; i++ {
		_, err := c.Poll(waitCtx(t))
		require.NoError(t, err)
	}

	require.NoError(t, c.Commit(waitCtx(t), tp1))

	commits := f.committed()
	require.Len(t, commits, 1)
	require.Equal(t, []native.CommittedOffset{{TopicPartition: tp1, Offset: 21}}, commits[0])
}

// Randomized interleaving of consumption and auto-commit ticks: no commit
// may ever carry an offset beyond consumed+1 for its partition.
func TestConsumer_AutoCommitNeverOvertakesConsumption(t *testing.T) {
	f := newFakeRuntime()
	cfg := testConfig()
	cfg.Commit = CommitCfg{Auto: true, Interval: 3 * time.Millisecond}
	c := newTestConsumer(t, f, cfg)

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})

	rng := rand.New(rand.NewSource(1))
	var next int64
	for i := 0; i < 60; i++ {
		f.push(msgEvent(tp0, next))
		next++
		if rng.Intn(3) == 0 {
			time.Sleep(time.Duration(rng.Intn(4)) * time.Millisecond)
		}
		_, err := c.Poll(waitCtx(t))
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	consumed, _ := c.offsets.consumedOffset(tp0)
	var prev int64
	for _, commit := range f.committed() {
		for _, off := range commit {
			require.LessOrEqual(t, off.Offset, consumed+1)
			require.GreaterOrEqual(t, off.Offset, prev, "commits regressed")
			prev = off.Offset
		}
	}
}

func TestConsumer_PauseResumePassThrough(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	require.NoError(t, c.Pause([]native.TopicPartition{tp0}))
	require.NoError(t, c.Resume([]native.TopicPartition{tp0}))
	log := f.callLog()
	require.Contains(t, log, "pause")
	require.Contains(t, log, "resume")
}

func TestConsumer_CloseResolvesPendingCommit(t *testing.T) {
	f := newFakeRuntime()
	c := NewConsumerFromRuntime(f, testConfig())
	require.NoError(t, c.Subscribe([]string{"events"}))

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})
	f.push(msgEvent(tp0, 5))
	_, err := c.Poll(waitCtx(t))
	require.NoError(t, err)

	// Simulate an in-flight async commit whose report never arrives.
	_, commit, regErr := c.commits.register()
	require.NoError(t, regErr)

	require.NoError(t, c.Close())

	_, cerr, done := commit.Outcome()
	require.True(t, done)
	require.ErrorIs(t, cerr, ErrClientClosed)

	_, err = c.Poll(waitCtx(t))
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestConsumer_StreamUsersStoreExplicitly(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConsumer(t, f, testConfig())

	f.push(native.AssignEvent{Partitions: []native.TopicPartition{tp0}})
	f.push(msgEvent(tp0, 3))

	select {
	case m := <-c.Messages():
		if _, ok := c.offsets.consumedOffset(tp0); ok {
			t.Fatal("offset recorded before StoreMessage")
		}
		c.StoreMessage(m)
	case <-time.After(time.Second):
		t.Fatal("no message on stream")
	}

	off, ok := c.offsets.consumedOffset(tp0)
	require.True(t, ok)
	require.Equal(t, int64(3), off)
}
