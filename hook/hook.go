// Package hook defines the lifecycle hook system. Hooks are notified of
// job and batch lifecycle events (enqueued, completed, dead-lettered,
// batch flushed, etc.) and can react to them — counters, audit trails,
// cache invalidation.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/drover-io/drover/job"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle events
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a reserved job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobFailed is called when a job fails terminally (no more attempts).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobDeadLettered is called when a job is published to the dead letter
// queue.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Batch consumer events
// ──────────────────────────────────────────────────

// BatchFlushed is called after a consumer batch is handed to its handler
// and acknowledged.
type BatchFlushed interface {
	OnBatchFlushed(ctx context.Context, channel string, size int, elapsed time.Duration) error
}

// BatchFailed is called when a consumer batch handler returns an error.
// The whole batch fails together.
type BatchFailed interface {
	OnBatchFailed(ctx context.Context, channel string, size int, err error) error
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Shutdown is called when the runtime is stopping.
type Shutdown interface {
	OnShutdown(ctx context.Context)
}
