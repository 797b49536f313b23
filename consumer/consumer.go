// Package consumer provides the batch consumer for streaming brokers:
// it accumulates messages from subscribed channels and flushes them to
// a batch handler when the buffer reaches a size limit or a flush
// interval elapses, whichever comes first.
//
// The whole batch succeeds or fails atomically. Messages are
// acknowledged only after the handler returns nil; a failed batch is
// resolved by the configured FailurePolicy. Shutdown is cooperative:
// cancelling the Run context stops consumption and flushes the
// remaining partial buffer before returning.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/hook"
)

// BatchHandler processes one flushed batch. An error fails the whole
// batch; there is no partial success.
type BatchHandler func(ctx context.Context, msgs []*broker.Message) error

// FailurePolicy decides what happens to a failed batch.
type FailurePolicy int

const (
	// RetryBatch consults the dead letter handler's retry ledger per
	// message: messages with retries remaining are returned to the
	// broker for redelivery, exhausted ones are dead-lettered
	// individually.
	RetryBatch FailurePolicy = iota

	// DeadLetterBatch publishes the failed batch as one aggregate
	// envelope per originating channel and acknowledges the originals.
	DeadLetterBatch
)

// Defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 1500 * time.Millisecond
	DefaultPollTimeout   = 250 * time.Millisecond
)

// Consumer buffers broker messages and flushes them in batches. All
// buffer state lives on the struct; Run drives the poll/flush loop from
// a single goroutine.
type Consumer struct {
	adapter    broker.Adapter
	handler    BatchHandler
	dlqHandler *dlq.Handler
	hooks      *hook.Registry
	logger     *slog.Logger

	channels      []string
	channelLabel  string
	batchSize     int
	flushInterval time.Duration
	pollTimeout   time.Duration
	maxMessages   int
	policy        FailurePolicy

	// Buffer state, owned by the Run goroutine.
	buffer    []*broker.Message
	lastFlush time.Time
	consumed  int
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithBatchSize sets the flush size threshold.
func WithBatchSize(n int) Option {
	return func(c *Consumer) { c.batchSize = n }
}

// WithFlushInterval sets the flush time threshold. A buffer older than
// this flushes even when not full.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Consumer) { c.flushInterval = d }
}

// WithPollTimeout bounds each blocking broker poll.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.pollTimeout = d }
}

// WithMaxMessages caps the total messages consumed before Run returns.
// Zero means unbounded. Useful for drain-N runs and tests.
func WithMaxMessages(n int) Option {
	return func(c *Consumer) { c.maxMessages = n }
}

// WithFailurePolicy sets how failed batches are resolved.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *Consumer) { c.policy = p }
}

// WithDLQHandler sets the dead letter handler used by the RetryBatch
// policy's retry ledger.
func WithDLQHandler(h *dlq.Handler) Option {
	return func(c *Consumer) { c.dlqHandler = h }
}

// New creates a batch consumer over the given channels.
func New(
	adapter broker.Adapter,
	channels []string,
	handler BatchHandler,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Consumer {
	c := &Consumer{
		adapter:       adapter,
		handler:       handler,
		hooks:         hooks,
		logger:        logger,
		channels:      channels,
		channelLabel:  strings.Join(channels, ","),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		pollTimeout:   DefaultPollTimeout,
		policy:        RetryBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dlqHandler == nil {
		c.dlqHandler = dlq.NewHandler(3, nil, logger)
	}
	return c
}

// Run subscribes and drives the poll/flush loop until the context is
// cancelled, the broker stops, or the max-message cap is reached. The
// remaining partial buffer is flushed before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.adapter.Subscribe(ctx, c.channels...); err != nil {
		return fmt.Errorf("drover/consumer: subscribe: %w", err)
	}

	c.lastFlush = time.Now()
	c.logger.Info("batch consumer started",
		slog.String("channels", c.channelLabel),
		slog.Int("batch_size", c.batchSize),
		slog.Duration("flush_interval", c.flushInterval),
	)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		// Bound the poll by the time left until the flush deadline so
		// an idle buffer still flushes on schedule.
		poll := c.pollTimeout
		if remaining := c.flushInterval - time.Since(c.lastFlush); remaining < poll {
			poll = remaining
		}
		if poll < time.Millisecond {
			// Stream brokers truncate the block timeout to whole
			// milliseconds, and zero means block forever. Keep the
			// poll at 1ms so the idle flush deadline still fires.
			poll = time.Millisecond
		}

		want := c.batchSize - len(c.buffer)
		if c.maxMessages > 0 {
			if room := c.maxMessages - c.consumed; room < want {
				want = room
			}
		}

		msgs, err := c.adapter.Consume(ctx, poll, want)
		if err != nil {
			if errors.Is(err, drover.ErrConsumerStopped) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				c.buffer = append(c.buffer, msgs...)
				break loop
			}
			// Transport errors are retried at the boundary: log and
			// keep polling. A failing broker returns immediately, so
			// wait out the poll window before the next attempt.
			c.logger.Warn("broker consume error",
				slog.String("channels", c.channelLabel),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
			case <-time.After(poll):
			}
		}

		c.buffer = append(c.buffer, msgs...)
		c.consumed += len(msgs)

		if len(c.buffer) >= c.batchSize || time.Since(c.lastFlush) >= c.flushInterval {
			c.flush(ctx)
		}

		if c.maxMessages > 0 && c.consumed >= c.maxMessages {
			c.logger.Info("max message cap reached, stopping",
				slog.Int("consumed", c.consumed),
			)
			break loop
		}
	}

	// Final flush of the partial buffer. The shutdown context may
	// already be cancelled; the flush must still complete.
	c.flush(context.WithoutCancel(ctx))
	c.logger.Info("batch consumer stopped",
		slog.String("channels", c.channelLabel),
		slog.Int("consumed", c.consumed),
	)
	return nil
}

// flush hands the buffer to the handler and resolves the outcome.
// Flushing an empty buffer only resets the flush timer.
func (c *Consumer) flush(ctx context.Context) {
	c.lastFlush = time.Now()
	if len(c.buffer) == 0 {
		return
	}

	batch := c.buffer
	c.buffer = nil

	start := time.Now()
	err := c.runHandler(ctx, batch)
	elapsed := time.Since(start)

	if err == nil {
		// Ack only after the handler finished.
		if ackErr := c.adapter.Ack(ctx, batch...); ackErr != nil {
			c.logger.Error("batch ack failed, messages may be redelivered",
				slog.String("channels", c.channelLabel),
				slog.Int("size", len(batch)),
				slog.String("error", ackErr.Error()),
			)
		}
		for _, msg := range batch {
			c.dlqHandler.Resolve(msg.ID)
		}
		c.hooks.EmitBatchFlushed(ctx, c.channelLabel, len(batch), elapsed)
		return
	}

	c.hooks.EmitBatchFailed(ctx, c.channelLabel, len(batch), err)

	switch c.policy {
	case DeadLetterBatch:
		c.deadLetterBatch(ctx, batch, err)
	default:
		c.retryBatch(ctx, batch, err)
	}
}

// runHandler invokes the batch handler, converting panics to errors so
// a bad handler cannot crash the consume loop.
func (c *Consumer) runHandler(ctx context.Context, batch []*broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drover/consumer: batch handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.handler(ctx, batch)
}

// retryBatch resolves each message of a failed batch through the dead
// letter handler's ledger: messages with retries left go back to the
// broker, exhausted ones are dead-lettered individually and acked.
func (c *Consumer) retryBatch(ctx context.Context, batch []*broker.Message, batchErr error) {
	var redeliver, exhausted []*broker.Message
	for _, msg := range batch {
		_, shouldRetry := c.dlqHandler.HandleFailure(
			ctx, msg.ID, msg.Channel, msg.Payload, msg.Metadata, batchErr, c.adapter.Publish,
		)
		if shouldRetry {
			redeliver = append(redeliver, msg)
		} else {
			exhausted = append(exhausted, msg)
		}
	}

	if len(redeliver) > 0 {
		if err := c.adapter.Nack(ctx, redeliver...); err != nil {
			c.logger.Error("batch nack failed",
				slog.Int("size", len(redeliver)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(exhausted) > 0 {
		// Their envelopes are already published; remove the originals.
		if err := c.adapter.Ack(ctx, exhausted...); err != nil {
			c.logger.Error("ack of dead-lettered messages failed",
				slog.Int("size", len(exhausted)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deadLetterBatch publishes one aggregate envelope per originating
// channel and acknowledges the originals. A publish failure is logged
// as critical and the affected messages are returned to the broker
// instead of being dropped.
func (c *Consumer) deadLetterBatch(ctx context.Context, batch []*broker.Message, batchErr error) {
	now := time.Now().UTC()

	byChannel := make(map[string][]*broker.Message)
	for _, msg := range batch {
		byChannel[msg.Channel] = append(byChannel[msg.Channel], msg)
	}

	for channel, msgs := range byChannel {
		envelope := dlq.BatchEnvelope{
			Channel:  channel,
			Error:    batchErr.Error(),
			FailedAt: now,
			Size:     len(msgs),
			Messages: make([]dlq.Envelope, 0, len(msgs)),
		}
		for _, msg := range msgs {
			envelope.Messages = append(envelope.Messages, dlq.Envelope{
				MessageID:  msg.ID,
				Channel:    msg.Channel,
				Payload:    msg.Payload,
				Error:      batchErr.Error(),
				Metadata:   msg.Metadata,
				FailedAt:   now,
				RetryCount: c.dlqHandler.PendingRetries(msg.ID),
			})
		}

		data, err := json.Marshal(envelope)
		if err != nil {
			c.logger.Error("batch envelope marshal failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.adapter.Publish(ctx, dlq.Channel(channel), data); err != nil {
			c.logger.Error("batch dlq publish failed, returning messages to broker",
				slog.String("dlq_channel", dlq.Channel(channel)),
				slog.Int("size", len(msgs)),
				slog.String("error", err.Error()),
			)
			if nackErr := c.adapter.Nack(ctx, msgs...); nackErr != nil {
				c.logger.Error("nack after failed dlq publish also failed",
					slog.String("error", nackErr.Error()),
				)
			}
			continue
		}

		if err := c.adapter.Ack(ctx, msgs...); err != nil {
			c.logger.Error("ack of dead-lettered batch failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		for _, msg := range msgs {
			c.dlqHandler.Resolve(msg.ID)
		}
	}
}
