package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover/backoff"
)

// PublishFunc publishes a payload to a broker channel. The batch consumer
// supplies the broker adapter's publish operation here.
type PublishFunc func(ctx context.Context, channel string, payload []byte) error

// Handler tracks per-message retry counts for the streaming-broker path
// and routes terminally failed messages to a dead letter channel.
//
// The retry ledger is owned by the handler and is process-local: each
// consumer instance counts its own redeliveries. An entry is cleared on
// terminal resolution (successful processing or dead-lettering).
type Handler struct {
	mu     sync.Mutex
	ledger map[string]int

	maxRetries int
	strategy   backoff.Strategy
	logger     *slog.Logger
}

// NewHandler creates a dead letter handler. Messages failing more than
// maxRetries times are published to the dead letter channel derived from
// their originating channel.
func NewHandler(maxRetries int, strategy backoff.Strategy, logger *slog.Logger) *Handler {
	if strategy == nil {
		strategy = backoff.DefaultStrategy()
	}
	return &Handler{
		ledger:     make(map[string]int),
		maxRetries: maxRetries,
		strategy:   strategy,
		logger:     logger,
	}
}

// HandleFailure records a processing failure for the message and decides
// its fate. If retries remain it increments the ledger and returns the
// backoff delay with shouldRetry=true; the caller redelivers and must NOT
// publish. Once retries are exhausted it publishes a diagnostic Envelope
// to Channel(channel), clears the ledger entry, and returns
// shouldRetry=false.
//
// A publish failure (DLQ channel unreachable) is logged as critical but
// never masks the original failure: the ledger entry is still cleared and
// shouldRetry=false is still returned.
func (h *Handler) HandleFailure(
	ctx context.Context,
	messageID, channel string,
	payload []byte,
	metadata map[string]string,
	cause error,
	publish PublishFunc,
) (time.Duration, bool) {
	h.mu.Lock()
	retries := h.ledger[messageID] + 1
	if retries <= h.maxRetries {
		h.ledger[messageID] = retries
		h.mu.Unlock()

		delay := h.strategy.Delay(retries)
		h.logger.Info("message failure, will retry",
			slog.String("message_id", messageID),
			slog.String("channel", channel),
			slog.Int("retry", retries),
			slog.Int("max_retries", h.maxRetries),
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)
		return delay, true
	}
	delete(h.ledger, messageID)
	h.mu.Unlock()

	envelope := &Envelope{
		MessageID:  messageID,
		Channel:    channel,
		Payload:    payload,
		Error:      cause.Error(),
		Metadata:   metadata,
		FailedAt:   time.Now().UTC(),
		RetryCount: retries - 1,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("dlq envelope marshal failed, message lost",
			slog.String("message_id", messageID),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return 0, false
	}

	if err := publish(ctx, Channel(channel), data); err != nil {
		h.logger.Error("dlq publish failed",
			slog.String("message_id", messageID),
			slog.String("dlq_channel", Channel(channel)),
			slog.String("error", err.Error()),
		)
		return 0, false
	}

	h.logger.Warn("message dead-lettered after exhausting retries",
		slog.String("message_id", messageID),
		slog.String("channel", channel),
		slog.String("dlq_channel", Channel(channel)),
		slog.Int("retry_count", retries-1),
		slog.String("error", cause.Error()),
	)
	return 0, false
}

// Resolve clears the ledger entry for a message that was eventually
// processed successfully.
func (h *Handler) Resolve(messageID string) {
	h.mu.Lock()
	delete(h.ledger, messageID)
	h.mu.Unlock()
}

// PendingRetries returns the current ledger count for a message.
func (h *Handler) PendingRetries(messageID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger[messageID]
}
