package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionItemEnqueued  = "item.enqueued"
	ActionItemStarted   = "item.started"
	ActionItemCompleted = "item.completed"
	ActionItemFailed    = "item.failed"
	ActionItemsSwept    = "items.swept"
	ActionJobFired      = "job.fired"
	ActionJobSkipped    = "job.skipped"
	ActionJobFailed     = "job.failed"
	ActionLeaseLost     = "lease.lost"
	ActionShutdown      = "host.shutdown"
)

// Audit event categories group related actions.
const (
	CategoryItem  = "taskhost.item"
	CategoryJob   = "taskhost.job"
	CategoryLease = "taskhost.lease"
	CategoryHost  = "taskhost.host"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceItem  = "work_item"
	ResourceQueue = "queue"
	ResourceJob   = "scheduled_job"
	ResourceLease = "lease"
	ResourceHost  = "host"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionItemEnqueued,
		ActionItemStarted,
		ActionItemCompleted,
		ActionItemFailed,
		ActionItemsSwept,
		ActionJobFired,
		ActionJobSkipped,
		ActionJobFailed,
		ActionLeaseLost,
		ActionShutdown,
	}
}
