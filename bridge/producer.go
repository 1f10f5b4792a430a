package bridge

import (
	"context"
	"errors"
	"time"

	"skein/internal/telemetry"
	"skein/native"
)

// PartitionAny lets the runtime's partitioner pick the destination.
const PartitionAny = native.PartitionAny

// Message is an outbound record. Partition targets a specific partition;
// use PartitionAny to defer to the partitioner.
type Message struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
}

// Producer is the application-facing send surface. Send never blocks:
// backpressure is exposed as ErrQueueFull or ErrRegistryFull, and the
// returned Delivery resolves when the poll loop dispatches the matching
// delivery report.
type Producer struct {
	*client
	prt native.ProducerRuntime
}

// NewProducer builds a producer on the driver named in cfg.
func NewProducer(cfg Config, opts ...Option) (*Producer, error) {
	applyDefaults(&cfg)
	rt, err := native.NewProducer(cfg.Driver, cfg.nativeConfig())
	if err != nil {
		return nil, err
	}
	return NewProducerFromRuntime(rt, cfg, opts...), nil
}

// NewProducerFromRuntime builds a producer on an already-constructed
// runtime. The producer takes ownership of rt and closes it on Close.
func NewProducerFromRuntime(rt native.ProducerRuntime, cfg Config, opts ...Option) *Producer {
	applyDefaults(&cfg)
	p := &Producer{
		client: newClient(cfg, rt, buildOptions(opts)),
		prt:    rt,
	}
	p.start(p.dispatch, nil)
	return p
}

// Send registers the message under a fresh correlation token and enqueues it.
// On any immediate failure the registry entry is removed before returning, so
// nothing leaks: ErrQueueFull and ErrRegistryFull are retryable backpressure,
// anything else is a rejection of this particular message.
func (p *Producer) Send(msg Message) (*Delivery, error) {
	if p.closed.Load() {
		return nil, ErrClientClosed
	}
	tok, comp, err := p.deliveries.register()
	if err != nil {
		reason := "registry_full"
		if errors.Is(err, ErrClientClosed) {
			reason = "closed"
		}
		telemetry.SendRejects.WithLabelValues(reason).Inc()
		return nil, err
	}

	err = p.prt.Enqueue(&native.OutboundMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   msg.Headers,
		Token:     tok,
	})
	if err != nil {
		if c, ok := p.deliveries.remove(tok); ok {
			c.resolve(DeliveryResult{}, err)
		}
		reason := "invalid"
		if errors.Is(err, ErrQueueFull) {
			reason = "queue_full"
		}
		telemetry.SendRejects.WithLabelValues(reason).Inc()
		return nil, err
	}

	telemetry.Sends.Inc()
	return comp, nil
}

// SendAndWait is Send followed by waiting on the delivery, bounded by ctx.
func (p *Producer) SendAndWait(ctx context.Context, msg Message) (DeliveryResult, error) {
	d, err := p.Send(msg)
	if err != nil {
		return DeliveryResult{}, err
	}
	return d.Wait(ctx)
}

// Flush waits up to timeout for in-flight messages to be reported by the
// native runtime and returns the number still outstanding. Call before Close
// when pending deliveries should resolve normally rather than as
// ErrClientClosed.
func (p *Producer) Flush(timeout time.Duration) int {
	if p.closed.Load() {
		return 0
	}
	return p.prt.Flush(timeout)
}

// InFlight reports how many sends await their delivery report.
func (p *Producer) InFlight() int { return p.deliveries.len() }

func (p *Producer) dispatch(ev native.Event) {
	switch e := ev.(type) {
	case native.DeliveryReport:
		outcome := "ok"
		if e.Err != nil {
			outcome = "error"
		}
		res := DeliveryResult{Topic: e.Topic, Partition: e.Partition, Offset: e.Offset}
		if !p.deliveries.resolve(e.Token, res, e.Err) {
			telemetry.Anomalies.Inc()
			p.log.Warn("delivery report for unknown token", "token", e.Token, "topic", e.Topic)
			return
		}
		telemetry.Deliveries.WithLabelValues(outcome).Inc()
	case native.ErrorEvent:
		p.log.Warn("native error", "err", e.Err)
		p.obs.OnError(e.Err)
	case native.StatsEvent:
		p.obs.OnStats(e.Raw)
	default:
		telemetry.Anomalies.Inc()
		p.log.Warn("unexpected event on producer client", "event", ev)
	}
}
