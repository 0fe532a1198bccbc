// Package audithook is a taskhost extension that bridges lifecycle events
// to an audit trail backend.
//
// Every work item, scheduled job, lease and shutdown hook emits a
// structured audit event through the [Recorder] interface. The extension
// assigns severity levels (info for normal operations, warning for skipped
// firings, critical for failures and lost leases) and metadata (queue,
// attempts, elapsed time, errors).
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return auditLog.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// [SlogRecorder] writes events as structured log records.
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionItemFailed,
//	        audithook.ActionJobFailed,
//	        audithook.ActionLeaseLost,
//	    ),
//	)
package audithook
