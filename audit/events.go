package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued     = "job.enqueued"
	ActionJobStarted      = "job.started"
	ActionJobCompleted    = "job.completed"
	ActionJobFailed       = "job.failed"
	ActionJobRetrying     = "job.retrying"
	ActionJobDeadLettered = "job.dead_lettered"
	ActionBatchFlushed    = "batch.flushed"
	ActionBatchFailed     = "batch.failed"
)

// Audit event categories group related actions.
const (
	CategoryJob   = "drover.job"
	CategoryBatch = "drover.batch"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob   = "job"
	ResourceBatch = "batch"
)

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobDeadLettered,
		ActionBatchFlushed,
		ActionBatchFailed,
	}
}
