package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover"
)

var _ Adapter = (*RedisBroker)(nil)

// DefaultPendingMinIdle is how long a pending stream entry must sit
// unacknowledged before this consumer reclaims it.
const DefaultPendingMinIdle = time.Minute

// RedisBroker implements Adapter on Redis Streams with consumer groups.
// Each subscribed channel maps to a stream; acknowledgement uses XACK,
// and entries left pending by crashed consumers are reclaimed with
// XAUTOCLAIM once they exceed the min-idle threshold.
type RedisBroker struct {
	client   goredis.Cmdable
	group    string
	consumer string
	logger   *slog.Logger

	// pendingMinIdle controls XAUTOCLAIM reclaims.
	pendingMinIdle time.Duration

	mu       sync.Mutex
	streams  []string
	stopCh   chan struct{}
	stopOnce sync.Once
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithPendingMinIdle sets the idle threshold for reclaiming pending
// entries from crashed consumers.
func WithPendingMinIdle(d time.Duration) RedisOption {
	return func(b *RedisBroker) { b.pendingMinIdle = d }
}

// NewRedisBroker creates a Redis Streams broker. The caller owns the
// Redis client lifecycle. group names the consumer group; consumer
// names this member within it.
func NewRedisBroker(client goredis.Cmdable, group, consumer string, logger *slog.Logger, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		client:         client,
		group:          group,
		consumer:       consumer,
		logger:         logger,
		pendingMinIdle: DefaultPendingMinIdle,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates the consumer group on each channel's stream. New
// groups start at the stream tail; already-existing groups are left as
// they are.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range channels {
		err := b.client.XGroupCreateMkStream(ctx, ch, b.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("drover/broker: create group %q on %q: %w", b.group, ch, err)
		}
		if !slices.Contains(b.streams, ch) {
			b.streams = append(b.streams, ch)
		}
	}
	return nil
}

// Publish adds an entry to the channel's stream.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: channel,
		Values: map[string]interface{}{
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("drover/broker: publish to %q: %w", channel, err)
	}
	return nil
}

// Consume reads up to maxBatch entries from the subscribed streams,
// blocking up to pollTimeout. Stale pending entries are reclaimed first.
func (b *RedisBroker) Consume(ctx context.Context, pollTimeout time.Duration, maxBatch int) ([]*Message, error) {
	select {
	case <-b.stopCh:
		return nil, drover.ErrConsumerStopped
	default:
	}

	b.mu.Lock()
	streams := make([]string, len(b.streams))
	copy(streams, b.streams)
	b.mu.Unlock()

	if len(streams) == 0 {
		return nil, drover.ErrUnknownChannel
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if pollTimeout < time.Millisecond {
		// go-redis truncates Block to whole milliseconds, and BLOCK 0
		// waits forever.
		pollTimeout = time.Millisecond
	}

	// Reclaim entries abandoned by crashed group members.
	reclaimed := b.reclaim(ctx, streams, maxBatch)
	if len(reclaimed) >= maxBatch {
		return reclaimed[:maxBatch], nil
	}

	// XREADGROUP requires every stream name followed by a ">" cursor.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  args,
		Count:    int64(maxBatch - len(reclaimed)),
		Block:    pollTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return reclaimed, nil // poll timed out
		}
		return reclaimed, fmt.Errorf("drover/broker: read group: %w", err)
	}

	msgs := reclaimed
	now := time.Now().UTC()
	for _, stream := range res {
		for _, entry := range stream.Messages {
			msgs = append(msgs, entryToMessage(stream.Stream, entry, now))
		}
	}
	return msgs, nil
}

// reclaim runs XAUTOCLAIM on each stream, taking over entries whose
// previous consumer went silent.
func (b *RedisBroker) reclaim(ctx context.Context, streams []string, maxBatch int) []*Message {
	var msgs []*Message
	now := time.Now().UTC()

	for _, stream := range streams {
		if len(msgs) >= maxBatch {
			break
		}
		entries, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.pendingMinIdle,
			Start:    "0-0",
			Count:    int64(maxBatch - len(msgs)),
		}).Result()
		if err != nil {
			if !errors.Is(err, goredis.Nil) {
				b.logger.Warn("autoclaim failed",
					slog.String("stream", stream),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		for _, entry := range entries {
			msgs = append(msgs, entryToMessage(stream, entry, now))
		}
	}
	return msgs
}

// Ack acknowledges entries in their streams.
func (b *RedisBroker) Ack(ctx context.Context, msgs ...*Message) error {
	for _, msg := range msgs {
		if err := b.client.XAck(ctx, msg.Channel, b.group, msg.ID).Err(); err != nil {
			return fmt.Errorf("drover/broker: ack %s on %q: %w", msg.ID, msg.Channel, err)
		}
	}
	return nil
}

// Nack is a no-op: unacknowledged entries stay in the pending entries
// list and are redelivered via XAUTOCLAIM after the min-idle threshold.
func (b *RedisBroker) Nack(_ context.Context, _ ...*Message) error { return nil }

// StopConsuming makes subsequent Consume calls fail fast.
func (b *RedisBroker) StopConsuming() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Close stops consuming. The caller owns the Redis client lifecycle.
func (b *RedisBroker) Close() error {
	b.StopConsuming()
	return nil
}

func entryToMessage(stream string, entry goredis.XMessage, receivedAt time.Time) *Message {
	msg := &Message{
		ID:         entry.ID,
		Channel:    stream,
		ReceivedAt: receivedAt,
	}
	if payload, ok := entry.Values["payload"].(string); ok {
		msg.Payload = []byte(payload)
	}
	// Remaining values become metadata.
	for k, v := range entry.Values {
		if k == "payload" {
			continue
		}
		if s, ok := v.(string); ok {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata[k] = s
		}
	}
	return msg
}
