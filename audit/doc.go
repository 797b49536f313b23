// Package audit is a Drover hook that bridges lifecycle events to an
// immutable audit trail backend.
//
// Every job and batch lifecycle event emits a structured audit event
// through the [Recorder] interface. The hook assigns appropriate severity
// levels (info for normal operations, warning for retries, critical for
// terminal failures) and rich metadata (job name, queue, elapsed time,
// errors).
//
// # Usage
//
//	eng, err := engine.Build(rt,
//	    engine.WithHook(audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	        return trail.Append(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	    }))),
//	)
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionJobDeadLettered,
//	        audit.ActionBatchFailed,
//	    ),
//	)
package audit
