package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
)

// DefaultBufferSize is the default delivery buffer for the memory broker.
const DefaultBufferSize = 1024

var _ Adapter = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Adapter backed by a buffered delivery
// queue. Messages published to unsubscribed channels are retained in a
// per-channel backlog and delivered once the channel is subscribed.
// Intended for unit testing and single-process deployments.
type MemoryBroker struct {
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]bool
	backlog    map[string][]*Message
	unacked    map[string]*Message

	deliveries chan *Message
	stopCh     chan struct{}
	stopOnce   sync.Once
	closed     bool
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithBufferSize sets the delivery buffer size.
func WithBufferSize(n int) MemoryOption {
	return func(b *MemoryBroker) { b.deliveries = make(chan *Message, n) }
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(logger *slog.Logger, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		logger:     logger,
		subscribed: make(map[string]bool),
		backlog:    make(map[string][]*Message),
		unacked:    make(map[string]*Message),
		deliveries: make(chan *Message, DefaultBufferSize),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers the channels and drains any backlog published
// before subscription.
func (b *MemoryBroker) Subscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return drover.ErrBrokerClosed
	}

	for _, ch := range channels {
		if b.subscribed[ch] {
			continue
		}
		b.subscribed[ch] = true
		for _, msg := range b.backlog[ch] {
			b.deliver(msg)
		}
		delete(b.backlog, ch)
	}
	return nil
}

// Publish sends a payload to a channel. Subscribed channels deliver
// immediately; others accumulate a backlog.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return drover.ErrBrokerClosed
	}

	msg := &Message{
		ID:         id.NewMessageID().String(),
		Channel:    channel,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	if b.subscribed[channel] {
		b.deliver(msg)
		return nil
	}
	b.backlog[channel] = append(b.backlog[channel], msg)
	return nil
}

// deliver pushes to the delivery buffer; drops with a warning when full.
// Caller holds b.mu.
func (b *MemoryBroker) deliver(msg *Message) {
	select {
	case b.deliveries <- msg:
	default:
		b.logger.Warn("delivery buffer full, dropping message",
			slog.String("channel", msg.Channel),
			slog.String("message_id", msg.ID),
		)
	}
}

// Consume blocks up to pollTimeout and returns up to maxBatch messages.
func (b *MemoryBroker) Consume(ctx context.Context, pollTimeout time.Duration, maxBatch int) ([]*Message, error) {
	select {
	case <-b.stopCh:
		return nil, drover.ErrConsumerStopped
	default:
	}

	if maxBatch <= 0 {
		maxBatch = 1
	}

	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	var batch []*Message
	for len(batch) < maxBatch {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-b.stopCh:
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, drover.ErrConsumerStopped
		case <-timer.C:
			return batch, nil
		case msg := <-b.deliveries:
			b.mu.Lock()
			b.unacked[msg.ID] = msg
			b.mu.Unlock()
			batch = append(batch, msg)
		}
	}
	return batch, nil
}

// Ack removes messages from the unacked set.
func (b *MemoryBroker) Ack(_ context.Context, msgs ...*Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range msgs {
		delete(b.unacked, msg.ID)
	}
	return nil
}

// Nack returns messages to the delivery queue for redelivery.
func (b *MemoryBroker) Nack(_ context.Context, msgs ...*Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return drover.ErrBrokerClosed
	}

	for _, msg := range msgs {
		delete(b.unacked, msg.ID)
		b.deliver(msg)
	}
	return nil
}

// StopConsuming stops message delivery. Publish and Ack remain usable.
func (b *MemoryBroker) StopConsuming() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Close stops delivery and rejects further publishes.
func (b *MemoryBroker) Close() error {
	b.StopConsuming()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// UnackedCount reports how many consumed messages await acknowledgement.
func (b *MemoryBroker) UnackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}
