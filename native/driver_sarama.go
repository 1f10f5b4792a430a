package native

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"skein/internal/logging"

	"github.com/IBM/sarama"
)

func newSaramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = newPinAwarePartitioner

	sc.Consumer.Return.Errors = true
	switch cfg.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}

// pinAwarePartitioner honours an explicitly pinned partition and falls back
// to hashing otherwise. OutboundMessage.Partition carries PartitionAny (-1)
// when the caller did not pin one.
type pinAwarePartitioner struct {
	hash sarama.Partitioner
}

func newPinAwarePartitioner(topic string) sarama.Partitioner {
	return &pinAwarePartitioner{hash: sarama.NewHashPartitioner(topic)}
}

func (p *pinAwarePartitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if msg.Partition >= 0 {
		return msg.Partition, nil
	}
	return p.hash.Partition(msg, numPartitions)
}

func (p *pinAwarePartitioner) RequiresConsistency() bool { return true }

/* ───────────────────────── producer ───────────────────────────────────── */

type saramaProducer struct {
	cl sarama.Client
	ap sarama.AsyncProducer

	events   chan Event
	quit     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	inFlight atomic.Int64
}

// NewSaramaProducer builds a ProducerRuntime over a sarama async producer.
// Success and error channels are pumped into the event queue so the bridge
// sees them as delivery reports.
func NewSaramaProducer(cfg Config) (ProducerRuntime, error) {
	sc, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	ap, err := sarama.NewAsyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	p := &saramaProducer{
		cl:     cl,
		ap:     ap,
		events: make(chan Event, queueSize(cfg)),
		quit:   make(chan struct{}),
	}
	p.wg.Add(2)
	go p.pumpSuccesses()
	go p.pumpErrors()
	return p, nil
}

func queueSize(cfg Config) int {
	if cfg.QueueSize > 0 {
		return cfg.QueueSize
	}
	return 1024
}

func (p *saramaProducer) pumpSuccesses() {
	defer p.wg.Done()
	for msg := range p.ap.Successes() {
		p.inFlight.Add(-1)
		tok, _ := msg.Metadata.(uint64)
		p.emit(DeliveryReport{Token: tok, Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
	}
}

func (p *saramaProducer) pumpErrors() {
	defer p.wg.Done()
	for perr := range p.ap.Errors() {
		p.inFlight.Add(-1)
		tok, _ := perr.Msg.Metadata.(uint64)
		p.emit(DeliveryReport{Token: tok, Topic: perr.Msg.Topic, Partition: perr.Msg.Partition, Offset: -1, Err: perr.Err})
	}
}

// emit keeps draining even when nobody polls anymore: after quit the event is
// dropped so the sarama close path can finish flushing.
func (p *saramaProducer) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.quit:
	}
}

func (p *saramaProducer) Enqueue(msg *OutboundMessage) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if msg == nil || msg.Topic == "" {
		return ErrInvalidMessage
	}
	pm := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Value:     sarama.ByteEncoder(msg.Value),
		Metadata:  msg.Token,
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	select {
	case p.ap.Input() <- pm:
		p.inFlight.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *saramaProducer) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for p.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return int(p.inFlight.Load())
}

func (p *saramaProducer) Poll(timeout time.Duration) Event {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-p.events:
		return ev
	case <-t.C:
		return nil
	}
}

func (p *saramaProducer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(p.quit)
	err := p.ap.Close()
	p.wg.Wait()
	if p.cl != nil {
		if cerr := p.cl.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

/* ───────────────────────── consumer ───────────────────────────────────── */

type saramaConsumer struct {
	cl    sarama.Client
	group sarama.ConsumerGroup

	events    chan Event
	quit      chan struct{}
	assignAck chan struct{}
	revokeAck chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession
}

// NewSaramaConsumer builds a ConsumerRuntime over a sarama consumer group.
// Group session setup/cleanup become assign/revoke events; the session is
// held open until the bridge answers with Assign/Unassign so offsets can be
// flushed before a partition changes hands.
func NewSaramaConsumer(cfg Config) (ConsumerRuntime, error) {
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("native: sarama consumer requires a group id")
	}
	sc, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, cl)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	d := &saramaConsumer{
		cl:        cl,
		group:     group,
		events:    make(chan Event, queueSize(cfg)),
		quit:      make(chan struct{}),
		assignAck: make(chan struct{}, 1),
		revokeAck: make(chan struct{}, 1),
	}
	d.wg.Add(1)
	go d.pumpGroupErrors()
	return d, nil
}

func (d *saramaConsumer) pumpGroupErrors() {
	defer d.wg.Done()
	for err := range d.group.Errors() {
		d.emit(ErrorEvent{Err: err})
	}
}

func (d *saramaConsumer) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.quit:
	}
}

func (d *saramaConsumer) Subscribe(topics []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		cancel()
		return ErrClosed
	}
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		handler := &saramaGroupHandler{driver: d}
		for {
			if err := d.group.Consume(ctx, topics, handler); err != nil {
				d.emit(ErrorEvent{Err: err})
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Assign acknowledges the pending AssignEvent. Sarama already owns the
// claimed partitions at this point, so it only releases Setup.
func (d *saramaConsumer) Assign([]TopicPartition) error {
	select {
	case d.assignAck <- struct{}{}:
	default:
	}
	return nil
}

// Unassign acknowledges the pending RevokeEvent, releasing Cleanup and with
// it the group generation. Sarama rebalances eagerly, so revokes are always
// total and the partition scope is ignored.
func (d *saramaConsumer) Unassign([]TopicPartition) error {
	select {
	case d.revokeAck <- struct{}{}:
	default:
	}
	return nil
}

func (d *saramaConsumer) Commit(offsets []CommittedOffset, token uint64, async bool) error {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	commit := func() {
		for _, off := range offsets {
			sess.MarkOffset(off.Topic, off.Partition, off.Offset, "")
		}
		sess.Commit()
	}
	if !async {
		commit()
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		commit()
		d.emit(CommitReport{Token: token, Offsets: offsets})
	}()
	return nil
}

func (d *saramaConsumer) Pause(partitions []TopicPartition) error {
	d.group.Pause(toPartitionMap(partitions))
	return nil
}

func (d *saramaConsumer) Resume(partitions []TopicPartition) error {
	d.group.Resume(toPartitionMap(partitions))
	return nil
}

func (d *saramaConsumer) Poll(timeout time.Duration) Event {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-d.events:
		return ev
	case <-t.C:
		return nil
	}
}

func (d *saramaConsumer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(d.quit)
	err := d.group.Close()
	if d.cl != nil {
		if cerr := d.cl.Close(); err == nil {
			err = cerr
		}
	}
	d.wg.Wait()
	return err
}

func toPartitionMap(partitions []TopicPartition) map[string][]int32 {
	out := make(map[string][]int32, len(partitions))
	for _, tp := range partitions {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

type saramaGroupHandler struct {
	driver *saramaConsumer
}

func (h *saramaGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	d := h.driver
	d.mu.Lock()
	d.sess = sess
	d.mu.Unlock()

	var parts []TopicPartition
	for topic, partitions := range sess.Claims() {
		for _, p := range partitions {
			parts = append(parts, TopicPartition{Topic: topic, Partition: p})
		}
	}
	d.emit(AssignEvent{Partitions: parts})
	select {
	case <-d.assignAck:
	case <-d.quit:
	}
	return nil
}

func (h *saramaGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	d := h.driver

	var parts []TopicPartition
	for topic, partitions := range sess.Claims() {
		for _, p := range partitions {
			parts = append(parts, TopicPartition{Topic: topic, Partition: p})
		}
	}
	d.emit(RevokeEvent{Partitions: parts})
	select {
	case <-d.revokeAck:
	case <-d.quit:
	}

	d.mu.Lock()
	d.sess = nil
	d.mu.Unlock()

	logging.L().Debug("sarama-driver: group generation released", "partitions", len(parts))
	return nil
}

func (h *saramaGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	d := h.driver
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case <-d.quit:
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			d.emit(MessageEvent{Message: &Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   toHeaderMap(msg.Headers),
				Timestamp: msg.Timestamp,
			}})
		}
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
