// Package lease provides named, time-bounded, uniquely tokened locks.
//
// A [Lease] is held on a resource name until it is released or its expiry
// passes. At most one unexpired lease exists per name. An expired lease
// never blocks a new acquisition, whether or not it has been cleaned up.
//
// [Manager.AcquireLock] reports one of three outcomes:
//
//	Acquired  the caller holds a fresh lease
//	Busy      someone else holds it; skip, do not retry in a loop
//	Error     the store failed
//
// Long critical sections call [Manager.Renew] before expiry, or run under
// [Manager.Hold], which renews in the background and cancels its context
// when the lease is lost.
//
// # Strategies
//
// store/memory keeps leases in process memory behind a semaphore per name.
// It is only correct when a single host process uses it and must never be
// combined with a multi-instance deployment. The durable stores
// (store/postgres, store/bun, store/sqlite, store/redis, lease/k8s) claim
// leases with one atomic insert-if-absent-or-expired operation.
//
// # Fencing
//
// Expiry alone does not stop a holder whose lease silently lapsed from
// finishing a stale write after a new holder acquired the name.
// [Lease.Token] exposes the lease ID as a fencing token; resources that need
// strict safety must record and validate it. Otherwise handlers must be
// idempotent.
package lease
