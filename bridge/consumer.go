package bridge

import (
	"context"
	"sync/atomic"

	"skein/internal/telemetry"
	"skein/native"
)

// Consumer is the application-facing receive surface. Records stream out of
// a bounded buffer fed by the poll loop; group membership and commits are
// handled by the coordinator and offset store behind it.
type Consumer struct {
	*client
	crt native.ConsumerRuntime

	offsets    *offsetStore
	coord      *coordinator
	flow       *flowController
	messages   chan *native.Message
	subscribed atomic.Bool
}

// NewConsumer builds a consumer on the driver named in cfg.
func NewConsumer(cfg Config, opts ...Option) (*Consumer, error) {
	applyDefaults(&cfg)
	rt, err := native.NewConsumer(cfg.Driver, cfg.nativeConfig())
	if err != nil {
		return nil, err
	}
	return NewConsumerFromRuntime(rt, cfg, opts...), nil
}

// NewConsumerFromRuntime builds a consumer on an already-constructed
// runtime. The consumer takes ownership of rt and closes it on Close.
func NewConsumerFromRuntime(rt native.ConsumerRuntime, cfg Config, opts ...Option) *Consumer {
	applyDefaults(&cfg)
	c := &Consumer{
		client:   newClient(cfg, rt, buildOptions(opts)),
		crt:      rt,
		messages: make(chan *native.Message, cfg.MessageBuffer),
	}
	c.offsets = newOffsetStore(rt, c.commits, c.log)
	c.coord = newCoordinator(rt, c.offsets, cfg.Revoke, c.log)
	c.flow = newFlowController(rt, c.coord, func() int { return len(c.messages) }, cfg.MessageBuffer, c.log)

	var extra []func() error
	if cfg.Commit.Auto {
		extra = append(extra, c.offsets.autoCommitLoop(c.stop, cfg.Commit.Interval))
	}
	c.start(c.dispatch, c.flow.check, extra...)
	return c
}

// Subscribe joins the consumer group for topics. May be called once per
// consumer, before the first Poll.
func (c *Consumer) Subscribe(topics []string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.crt.Subscribe(topics); err != nil {
		return err
	}
	c.subscribed.Store(true)
	return nil
}

// Poll returns the next record, blocking until one arrives, ctx expires or
// the client closes. The record's offset is recorded as consumed before it
// is handed back, so auto-commit can never run ahead of the application.
func (c *Consumer) Poll(ctx context.Context) (*native.Message, error) {
	if !c.subscribed.Load() {
		return nil, ErrNotSubscribed
	}
	select {
	case m := <-c.messages:
		c.StoreMessage(m)
		return m, nil
	case <-c.stop:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages exposes the record stream directly. Stream consumers bypass the
// bookkeeping Poll does for them and must call StoreMessage themselves once
// a record is processed, or commits will never advance.
func (c *Consumer) Messages() <-chan *native.Message {
	return c.messages
}

// StoreMessage records m's offset as consumed, making it eligible for the
// next commit.
func (c *Consumer) StoreMessage(m *native.Message) {
	c.offsets.recordConsumed(m.TP(), m.Offset)
}

// Assignment returns a copy of the partitions currently owned by this
// consumer.
func (c *Consumer) Assignment() []native.TopicPartition {
	snap := c.coord.snapshot()
	out := make([]native.TopicPartition, len(snap))
	copy(out, snap)
	return out
}

// Commit synchronously commits the pending next-to-consume offsets, scoped
// to parts or to the whole assignment when none are given. Blocks until the
// broker acknowledges, bounded by ctx.
func (c *Consumer) Commit(ctx context.Context, parts ...native.TopicPartition) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.offsets.commitSync(ctx, parts...)
}

// CommitAsync submits a commit and returns an awaitable resolved by the
// runtime's commit report, exactly like a producer send.
func (c *Consumer) CommitAsync(parts ...native.TopicPartition) (*Commit, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.offsets.commitAsync(parts...)
}

// Pause stops record delivery for parts without leaving the group.
func (c *Consumer) Pause(parts []native.TopicPartition) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.crt.Pause(parts)
}

// Resume re-enables record delivery for parts.
func (c *Consumer) Resume(parts []native.TopicPartition) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.crt.Resume(parts)
}

func (c *Consumer) dispatch(ev native.Event) {
	switch e := ev.(type) {
	case native.MessageEvent:
		select {
		case c.messages <- e.Message:
			c.flow.check()
		case <-c.stop:
			// Shutdown drain: nobody is reading anymore.
		}
	case native.AssignEvent:
		c.coord.onAssign(e.Partitions)
		c.flow.reset()
	case native.RevokeEvent:
		c.coord.onRevoke(e.Partitions)
		c.flow.reset()
	case native.CommitReport:
		c.offsets.onCommitReport(e)
	case native.ErrorEvent:
		c.log.Warn("native error", "err", e.Err)
		c.obs.OnError(e.Err)
	case native.StatsEvent:
		c.obs.OnStats(e.Raw)
	default:
		telemetry.Anomalies.Inc()
		c.log.Warn("unexpected event on consumer client", "event", ev)
	}
}
