// Package broker defines the streaming-broker adapter consumed by the
// batch consumer, plus in-memory and Redis Streams implementations.
//
// An Adapter is a thin seam over a Kafka/RabbitMQ-style broker: channel
// subscription, blocking batched consumption bounded by a poll timeout,
// publishing, and explicit acknowledgement. Messages are never removed
// from the broker before they are acknowledged; a consumer must only
// ack after its handler has completed.
package broker

import (
	"context"
	"time"
)

// Message is a single message received from a broker channel.
type Message struct {
	// ID uniquely identifies the message within its channel. For Redis
	// Streams this is the stream entry ID; the memory broker assigns
	// typed message IDs.
	ID string

	// Channel is the topic/channel the message was received from.
	Channel string

	// Payload is the opaque message body.
	Payload []byte

	// Metadata carries transport headers (partition, delivery tag,
	// producer-set attributes).
	Metadata map[string]string

	// ReceivedAt is when this consumer received the message.
	ReceivedAt time.Time
}

// Adapter is the broker contract. Implementations must be safe for use
// by a single consumer goroutine; sharing one Adapter across consumers
// requires external synchronization unless documented otherwise.
type Adapter interface {
	// Subscribe registers interest in the given channels. Messages
	// published to a subscribed channel become available to Consume.
	Subscribe(ctx context.Context, channels ...string) error

	// Consume blocks up to pollTimeout and returns up to maxBatch
	// messages from the subscribed channels. A nil slice with nil error
	// means the poll timed out with nothing available. Returns
	// drover.ErrConsumerStopped after StopConsuming.
	Consume(ctx context.Context, pollTimeout time.Duration, maxBatch int) ([]*Message, error)

	// Publish sends a payload to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Ack acknowledges messages, removing them from redelivery.
	Ack(ctx context.Context, msgs ...*Message) error

	// Nack returns unacknowledged messages to the broker for
	// redelivery.
	Nack(ctx context.Context, msgs ...*Message) error

	// StopConsuming stops message delivery. Subsequent Consume calls
	// fail fast; Publish and Ack remain usable until Close.
	StopConsuming()

	// Close releases the broker connection.
	Close() error
}
