// Package native defines the narrow interface the bridge consumes from the
// underlying messaging client, plus concrete drivers for sarama and
// confluent-kafka-go. Everything broker-protocol-shaped lives behind these
// interfaces; the bridge itself never touches a client library directly.
package native

import (
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the runtime's send queue is
	// at capacity. Retryable by the caller.
	ErrQueueFull = errors.New("native: send queue full")

	// ErrInvalidMessage is returned by Enqueue for messages the runtime
	// rejects outright (e.g. empty topic). Never retryable.
	ErrInvalidMessage = errors.New("native: invalid message")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("native: runtime closed")

	// ErrNoSession is returned by consumer operations that need an active
	// group session when none exists (between generations).
	ErrNoSession = errors.New("native: no active consumer session")
)

// Runtime is the part shared by both directions: a pollable event queue and a
// teardown. Poll returns nil when the timeout elapses without an event.
// Poll is only ever called from one goroutine; the other methods may be
// called from any goroutine.
type Runtime interface {
	Poll(timeout time.Duration) Event
	Close() error
}

// ProducerRuntime enqueues outbound messages. Enqueue never blocks: a full
// queue is ErrQueueFull, everything else is reported asynchronously through a
// DeliveryReport carrying the message's token.
type ProducerRuntime interface {
	Runtime

	Enqueue(msg *OutboundMessage) error

	// Flush waits up to timeout for in-flight messages to be reported and
	// returns the number still outstanding.
	Flush(timeout time.Duration) int
}

// ConsumerRuntime subscribes to topics and surfaces records plus group
// membership changes through Poll. After an AssignEvent the caller must
// invoke Assign; after a RevokeEvent it must invoke Unassign. The runtime
// holds the rebalance open until it does.
type ConsumerRuntime interface {
	Runtime

	Subscribe(topics []string) error
	Assign(partitions []TopicPartition) error

	// Unassign acknowledges a revoke. An empty partitions slice releases
	// the whole assignment; a subset releases only those partitions,
	// leaving the rest owned (cooperative rebalancing).
	Unassign(partitions []TopicPartition) error

	// Commit submits offsets. Sync commits block until the broker answers.
	// Async commits return immediately; the outcome arrives later as a
	// CommitReport echoing token.
	Commit(offsets []CommittedOffset, token uint64, async bool) error

	Pause(partitions []TopicPartition) error
	Resume(partitions []TopicPartition) error
}
