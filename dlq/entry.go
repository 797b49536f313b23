package dlq

import (
	"time"

	"github.com/drover-io/drover/id"
)

// Entry represents a job that has exhausted its attempt budget and been
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID          id.DLQID   `json:"id"`
	JobID       id.JobID   `json:"job_id"`
	JobName     string     `json:"job_name"`
	Queue       string     `json:"queue"`
	Payload     []byte     `json:"payload"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	FailedAt    time.Time  `json:"failed_at"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Envelope is the diagnostic record published for a terminally failed
// broker message. It carries everything needed to trace the failure back
// to its source: the original payload, the final error, channel metadata,
// and the total retry count.
type Envelope struct {
	MessageID  string            `json:"message_id"`
	Channel    string            `json:"channel"`
	Payload    []byte            `json:"payload"`
	Error      string            `json:"error"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FailedAt   time.Time         `json:"failed_at"`
	RetryCount int               `json:"retry_count"`
}

// BatchEnvelope is the aggregate diagnostic record published when a
// batch consumer dead-letters a whole failed batch as one unit. One
// envelope is published per originating channel represented in the
// batch.
type BatchEnvelope struct {
	Channel  string     `json:"channel"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
	Size     int        `json:"size"`
	Messages []Envelope `json:"messages"`
}

// ChannelPrefix is prepended to an originating channel name to form its
// dead letter channel.
const ChannelPrefix = "dlq."

// Channel returns the deterministic dead letter channel name for an
// originating channel, so failures are traceable to their source.
func Channel(original string) string { return ChannelPrefix + original }
