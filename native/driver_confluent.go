package native

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// The confluent driver sits on librdkafka, whose poll/event model the bridge
// mirrors one-to-one: delivery reports, rebalance notifications and errors
// all come out of a single queue.

func confluentConfig(cfg Config, consumer bool) (*kafka.ConfigMap, error) {
	conf := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
	}
	if cfg.ClientID != "" {
		_ = conf.SetKey("client.id", cfg.ClientID)
	}
	if cfg.TLSEnabled {
		_ = conf.SetKey("security.protocol", "ssl")
	}
	if cfg.SASLUser != "" {
		proto := "sasl_plaintext"
		if cfg.TLSEnabled {
			proto = "sasl_ssl"
		}
		_ = conf.SetKey("security.protocol", proto)
		_ = conf.SetKey("sasl.mechanism", "PLAIN")
		_ = conf.SetKey("sasl.username", cfg.SASLUser)
		_ = conf.SetKey("sasl.password", cfg.SASLPass)
	}
	if consumer {
		_ = conf.SetKey("group.id", cfg.GroupID)
		_ = conf.SetKey("go.application.rebalance.enable", true)
		_ = conf.SetKey("enable.auto.commit", false)
		_ = conf.SetKey("enable.auto.offset.store", false)
		reset := "latest"
		if cfg.StartFrom == "oldest" {
			reset = "earliest"
		}
		_ = conf.SetKey("auto.offset.reset", reset)
	}
	for k, v := range cfg.Properties {
		if err := conf.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("native: confluent property %q: %w", k, err)
		}
	}
	return conf, nil
}

/* ───────────────────────── producer ───────────────────────────────────── */

type confluentProducer struct {
	p      *kafka.Producer
	closed atomic.Bool
}

// NewConfluentProducer builds a ProducerRuntime over confluent-kafka-go.
func NewConfluentProducer(cfg Config) (ProducerRuntime, error) {
	conf, err := confluentConfig(cfg, false)
	if err != nil {
		return nil, err
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, err
	}
	return &confluentProducer{p: p}, nil
}

func (c *confluentProducer) Enqueue(msg *OutboundMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if msg == nil || msg.Topic == "" {
		return ErrInvalidMessage
	}
	partition := msg.Partition
	if partition == PartitionAny {
		partition = kafka.PartitionAny
	}
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: partition},
		Key:            msg.Key,
		Value:          msg.Value,
		Opaque:         msg.Token,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: v})
	}
	err := c.p.Produce(km, nil)
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr.Code() {
		case kafka.ErrQueueFull:
			return ErrQueueFull
		case kafka.ErrMsgSizeTooLarge, kafka.ErrInvalidArg:
			return fmt.Errorf("%w: %s", ErrInvalidMessage, kerr)
		}
	}
	return err
}

func (c *confluentProducer) Flush(timeout time.Duration) int {
	return c.p.Flush(int(timeout.Milliseconds()))
}

func (c *confluentProducer) Poll(timeout time.Duration) Event {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev, ok := <-c.p.Events():
		if !ok {
			return nil
		}
		return translateProducerEvent(ev)
	case <-t.C:
		return nil
	}
}

func translateProducerEvent(ev kafka.Event) Event {
	switch e := ev.(type) {
	case *kafka.Message:
		tok, _ := e.Opaque.(uint64)
		report := DeliveryReport{
			Token:     tok,
			Partition: e.TopicPartition.Partition,
			Offset:    int64(e.TopicPartition.Offset),
			Err:       e.TopicPartition.Error,
		}
		if e.TopicPartition.Topic != nil {
			report.Topic = *e.TopicPartition.Topic
		}
		return report
	case kafka.Error:
		return ErrorEvent{Err: e}
	case *kafka.Stats:
		return StatsEvent{Raw: []byte(e.String())}
	}
	return nil
}

func (c *confluentProducer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.p.Close()
	return nil
}

/* ───────────────────────── consumer ───────────────────────────────────── */

type confluentConsumer struct {
	c      *kafka.Consumer
	side   chan Event // async commit reports, merged ahead of the poll queue
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewConfluentConsumer builds a ConsumerRuntime over confluent-kafka-go with
// application-driven rebalancing: assigned/revoked partition events surface
// through Poll and stay pending until Assign/Unassign answers them.
func NewConfluentConsumer(cfg Config) (ConsumerRuntime, error) {
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("native: confluent consumer requires a group id")
	}
	conf, err := confluentConfig(cfg, true)
	if err != nil {
		return nil, err
	}
	c, err := kafka.NewConsumer(conf)
	if err != nil {
		return nil, err
	}
	return &confluentConsumer{
		c:    c,
		side: make(chan Event, queueSize(cfg)),
		quit: make(chan struct{}),
	}, nil
}

func (c *confluentConsumer) Subscribe(topics []string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.c.SubscribeTopics(topics, nil)
}

func (c *confluentConsumer) Assign(partitions []TopicPartition) error {
	return c.c.Assign(toKafkaPartitions(partitions, kafka.OffsetStored))
}

func (c *confluentConsumer) Unassign(partitions []TopicPartition) error {
	if len(partitions) == 0 {
		return c.c.Unassign()
	}
	// Partial revoke: release only the named partitions so librdkafka's
	// assignment stays in step with the published snapshot.
	return c.c.IncrementalUnassign(toKafkaPartitions(partitions, kafka.OffsetInvalid))
}

func (c *confluentConsumer) Commit(offsets []CommittedOffset, token uint64, async bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ktps := make([]kafka.TopicPartition, len(offsets))
	for i, off := range offsets {
		topic := off.Topic
		ktps[i] = kafka.TopicPartition{Topic: &topic, Partition: off.Partition, Offset: kafka.Offset(off.Offset)}
	}
	if !async {
		_, err := c.c.CommitOffsets(ktps)
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err := c.c.CommitOffsets(ktps)
		select {
		case c.side <- CommitReport{Token: token, Offsets: offsets, Err: err}:
		case <-c.quit:
		}
	}()
	return nil
}

func (c *confluentConsumer) Pause(partitions []TopicPartition) error {
	return c.c.Pause(toKafkaPartitions(partitions, kafka.OffsetInvalid))
}

func (c *confluentConsumer) Resume(partitions []TopicPartition) error {
	return c.c.Resume(toKafkaPartitions(partitions, kafka.OffsetInvalid))
}

func (c *confluentConsumer) Poll(timeout time.Duration) Event {
	select {
	case ev := <-c.side:
		return ev
	default:
	}
	ev := c.c.Poll(int(timeout.Milliseconds()))
	if ev == nil {
		return nil
	}
	return translateConsumerEvent(ev)
}

func translateConsumerEvent(ev kafka.Event) Event {
	switch e := ev.(type) {
	case *kafka.Message:
		msg := &Message{
			Partition: e.TopicPartition.Partition,
			Offset:    int64(e.TopicPartition.Offset),
			Key:       e.Key,
			Value:     e.Value,
			Timestamp: e.Timestamp,
		}
		if e.TopicPartition.Topic != nil {
			msg.Topic = *e.TopicPartition.Topic
		}
		if len(e.Headers) > 0 {
			msg.Headers = make(map[string][]byte, len(e.Headers))
			for _, h := range e.Headers {
				msg.Headers[h.Key] = h.Value
			}
		}
		return MessageEvent{Message: msg}
	case kafka.AssignedPartitions:
		return AssignEvent{Partitions: fromKafkaPartitions(e.Partitions)}
	case kafka.RevokedPartitions:
		return RevokeEvent{Partitions: fromKafkaPartitions(e.Partitions)}
	case kafka.OffsetsCommitted:
		report := CommitReport{Err: e.Error}
		for _, tp := range e.Offsets {
			co := CommittedOffset{Offset: int64(tp.Offset)}
			co.Partition = tp.Partition
			if tp.Topic != nil {
				co.Topic = *tp.Topic
			}
			report.Offsets = append(report.Offsets, co)
		}
		return report
	case kafka.Error:
		return ErrorEvent{Err: e}
	case *kafka.Stats:
		return StatsEvent{Raw: []byte(e.String())}
	}
	return nil
}

func (c *confluentConsumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(c.quit)
	err := c.c.Close()
	c.wg.Wait()
	return err
}

func toKafkaPartitions(partitions []TopicPartition, offset kafka.Offset) []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, len(partitions))
	for i, tp := range partitions {
		topic := tp.Topic
		out[i] = kafka.TopicPartition{Topic: &topic, Partition: tp.Partition, Offset: offset}
	}
	return out
}

func fromKafkaPartitions(partitions []kafka.TopicPartition) []TopicPartition {
	out := make([]TopicPartition, 0, len(partitions))
	for _, tp := range partitions {
		p := TopicPartition{Partition: tp.Partition}
		if tp.Topic != nil {
			p.Topic = *tp.Topic
		}
		out = append(out, p)
	}
	return out
}
