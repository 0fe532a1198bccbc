// Package workitem defines the work item entity, its status machine, and
// the Work Queue Store contract.
//
// # Work Item
//
// An [Item] is one discrete unit of deferred work enqueued onto a named
// queue. It carries an opaque payload and moves through:
//
//	pending → leased → completed
//	pending → leased → failed
//	leased (expired) → leased          (reclaimed after a crash)
//
// An item may be claimed only while pending, or while leased with a lease
// that has already expired. Exactly one concurrent claimant wins. Each
// claim stamps a fresh lease ID; completion and failure must present it,
// so a consumer whose lease was reclaimed cannot overwrite the new
// holder's outcome.
//
// # Ordering
//
// Items are claimed oldest first within one queue. There is no ordering
// across queues.
package workitem
