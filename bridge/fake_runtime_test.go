package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"skein/native"
)

// fakeRuntime scripts the native side of the bridge: tests push events into
// its queue and inspect what the bridge called back into it. It implements
// both ProducerRuntime and ConsumerRuntime.
type fakeRuntime struct {
	mu         sync.Mutex
	queue      []native.Event
	enqueued   []*native.OutboundMessage
	commits    [][]native.CommittedOffset
	unassigns  [][]native.TopicPartition
	calls      []string
	queueFull  bool
	enqueueErr error
	commitErr  error
	commitHold chan struct{}
	closed     bool

	// autoDeliver synthesizes a successful DeliveryReport per Enqueue with
	// per-partition increasing offsets.
	autoDeliver bool
	nextOffset  map[native.TopicPartition]int64

	polls atomic.Int64
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{nextOffset: make(map[native.TopicPartition]int64)}
}

func (f *fakeRuntime) push(evs ...native.Event) {
	f.mu.Lock()
	f.queue = append(f.queue, evs...)
	f.mu.Unlock()
}

func (f *fakeRuntime) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRuntime) unassignScopes() [][]native.TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]native.TopicPartition, len(f.unassigns))
	copy(out, f.unassigns)
	return out
}

func (f *fakeRuntime) committed() [][]native.CommittedOffset {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]native.CommittedOffset, len(f.commits))
	copy(out, f.commits)
	return out
}

func (f *fakeRuntime) Poll(timeout time.Duration) native.Event {
	f.polls.Add(1)
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			ev := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return ev
		}
		f.mu.Unlock()
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeRuntime) Enqueue(msg *native.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return native.ErrClosed
	}
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if f.queueFull {
		return native.ErrQueueFull
	}
	f.enqueued = append(f.enqueued, msg)
	if f.autoDeliver {
		partition := msg.Partition
		if partition == native.PartitionAny {
			partition = 0
		}
		tp := native.TopicPartition{Topic: msg.Topic, Partition: partition}
		off := f.nextOffset[tp]
		f.nextOffset[tp] = off + 1
		f.queue = append(f.queue, native.DeliveryReport{
			Token:     msg.Token,
			Topic:     msg.Topic,
			Partition: partition,
			Offset:    off,
		})
	}
	return nil
}

func (f *fakeRuntime) Flush(time.Duration) int { return 0 }

func (f *fakeRuntime) Subscribe([]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("subscribe")
	return nil
}

func (f *fakeRuntime) Assign([]native.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("assign")
	return nil
}

func (f *fakeRuntime) Unassign(partitions []native.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unassign")
	scope := make([]native.TopicPartition, len(partitions))
	copy(scope, partitions)
	f.unassigns = append(f.unassigns, scope)
	return nil
}

func (f *fakeRuntime) Commit(offsets []native.CommittedOffset, token uint64, async bool) error {
	f.mu.Lock()
	hold := f.commitHold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("commit")
	if f.commitErr != nil {
		if !async {
			return f.commitErr
		}
		f.queue = append(f.queue, native.CommitReport{Token: token, Offsets: offsets, Err: f.commitErr})
		return nil
	}
	f.commits = append(f.commits, offsets)
	if async {
		f.queue = append(f.queue, native.CommitReport{Token: token, Offsets: offsets})
	}
	return nil
}

func (f *fakeRuntime) Pause([]native.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	return nil
}

func (f *fakeRuntime) Resume([]native.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	return nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closed = true
	return nil
}

var (
	_ native.ProducerRuntime = (*fakeRuntime)(nil)
	_ native.ConsumerRuntime = (*fakeRuntime)(nil)
)

func testConfig() Config {
	return Config{
		PollInterval:     2 * time.Millisecond,
		DrainPolls:       5,
		RegistryCapacity: 64,
		MessageBuffer:    8,
		Commit:           CommitCfg{Auto: false, Interval: time.Hour},
		Revoke:           RevokeCfg{FlushTimeout: 500 * time.Millisecond, FlushRetries: 2},
	}
}
