// Package ext defines the extension system for taskhost.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs and the like.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnItemCompleted(ctx context.Context, it *workitem.Item, elapsed time.Duration) error {
//	    log.Printf("item %s completed in %s", it.ID, elapsed)
//	    return nil
//	}
//
// # Work Item Hooks
//
//   - [ItemEnqueued]: item was accepted into its queue
//   - [ItemStarted]: a consumer began processing the item
//   - [ItemCompleted]: the handler succeeded
//   - [ItemFailed]: the handler failed; the item will not be retried
//   - [ItemsSwept]: the sweeper deleted old terminal items
//
// # Scheduled Job Hooks
//
//   - [JobFired]: a firing ran its handler successfully
//   - [JobSkipped]: a singleton firing found its lock busy
//   - [JobFailed]: a firing's handler failed
//
// # Other Hooks
//
//   - [LeaseLost]: a held lease could not be renewed
//   - [Shutdown]: the host is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
