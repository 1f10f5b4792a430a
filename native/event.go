package native

import "time"

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// PartitionAny lets the runtime's partitioner pick the destination partition.
const PartitionAny int32 = -1

// Message is an inbound record handed to the consumer side of the bridge.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

// TP returns the message's topic-partition.
func (m *Message) TP() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// OutboundMessage is a record enqueued for delivery. Token is opaque to the
// runtime and must be echoed back verbatim on the matching DeliveryReport.
type OutboundMessage struct {
	Topic     string
	Partition int32 // PartitionAny unless the caller pins one
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Token     uint64
}

// CommittedOffset is one (topic, partition, next-to-consume offset) triple in
// a commit request or a commit report.
type CommittedOffset struct {
	TopicPartition
	Offset int64
}

// Event is one item drained from the runtime's event queue by Poll.
type Event interface{ event() }

// DeliveryReport is the terminal outcome of a previously enqueued message.
// Token matches the OutboundMessage that produced it.
type DeliveryReport struct {
	Token     uint64
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

// MessageEvent carries an inbound consumer record.
type MessageEvent struct {
	Message *Message
}

// AssignEvent reports that the group protocol assigned partitions to this
// member. The bridge must answer with Runtime.Assign.
type AssignEvent struct {
	Partitions []TopicPartition
}

// RevokeEvent reports that the group protocol is taking partitions away.
// The bridge must answer with Runtime.Unassign once its offsets are safe.
type RevokeEvent struct {
	Partitions []TopicPartition
}

// CommitReport is the outcome of an asynchronous commit request. Token is the
// one passed to Commit; zero marks runtime-initiated or untracked commits.
type CommitReport struct {
	Token   uint64
	Offsets []CommittedOffset
	Err     error
}

// ErrorEvent surfaces a non-fatal runtime error.
type ErrorEvent struct {
	Err error
}

// StatsEvent carries an opaque statistics blob emitted by the runtime.
type StatsEvent struct {
	Raw []byte
}

func (DeliveryReport) event() {}
func (MessageEvent) event()   {}
func (AssignEvent) event()    {}
func (RevokeEvent) event()    {}
func (CommitReport) event()   {}
func (ErrorEvent) event()     {}
func (StatsEvent) event()     {}
