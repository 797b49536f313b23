package job

import (
	"context"
	"time"

	"github.com/drover-io/drover/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store is the queue-transport contract for jobs. The backend (relational
// table, Redis structure, in-memory map) is an external collaborator; the
// worker core requires only these operations and the exclusivity invariant
// on ReserveJobs.
type Store interface {
	// PushJob persists a new job in pending state, visible at its RunAt.
	PushJob(ctx context.Context, j *Job) error

	// ReserveJobs atomically and exclusively claims up to limit pending
	// jobs whose RunAt has passed, from the given queues. Claimed jobs
	// transition to reserved with the given worker recorded. No two
	// callers may reserve the same job. Jobs are ordered by priority
	// (descending) then RunAt (ascending).
	ReserveJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*Job, error)

	// ReleaseJob returns a reserved or executing job to pending, visible
	// only after the given delay. The worker claim is cleared.
	ReleaseJob(ctx context.Context, j *Job, delay time.Duration) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// HeartbeatJob updates the heartbeat timestamp for an executing job,
	// indicating the worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStaleJobs returns reserved or executing jobs whose last
	// heartbeat is older than the given threshold, indicating the worker
	// may have crashed. Reaped jobs become reservable again.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
