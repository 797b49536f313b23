package job

import (
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be reserved by a worker.
	StatePending State = "pending"
	// StateReserved means a worker has exclusively claimed the job.
	StateReserved State = "reserved"
	// StateExecuting means the handler is currently being invoked.
	StateExecuting State = "executing"
	// StateSucceeded means the job finished successfully. Terminal; the
	// job is removed from the primary store.
	StateSucceeded State = "succeeded"
	// StateRetrying means the job failed with attempts remaining and is
	// scheduled to become visible again after a backoff delay.
	StateRetrying State = "retrying"
	// StateDeadLettered means the job exhausted its attempts and was
	// published to the dead letter queue. Terminal.
	StateDeadLettered State = "dead_lettered"
)

// Job represents a unit of work to be processed by a worker.
//
// A job is never concurrently executing under two workers: reservation is
// atomic and exclusive at the store level, and only the reserving worker
// may release, delete, or dead-letter it.
type Job struct {
	drover.Entity

	ID          id.JobID      `json:"id"`
	Name        string        `json:"name"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	State       State         `json:"state"`
	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	Attempts    int           `json:"attempts"`
	Backoff     *backoff.Spec `json:"backoff,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`
	RunAt       time.Time     `json:"run_at"`
	ReservedAt  *time.Time    `json:"reserved_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// AttemptsRemaining reports whether the job may still be retried after a
// failed execution.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

// Terminal reports whether the job is in a terminal state.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateDeadLettered
}
