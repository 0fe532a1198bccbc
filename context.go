package taskhost

import (
	"context"

	"github.com/xraph/taskhost/id"
)

type ctxKey int

const (
	leaseKey ctxKey = iota
	holderKey
)

// WithLeaseToken returns a context carrying the fencing token of the lease
// under which the current execution runs.
func WithLeaseToken(ctx context.Context, token id.LeaseID) context.Context {
	return context.WithValue(ctx, leaseKey, token)
}

// LeaseToken returns the fencing token attached by the host, if any.
// Downstream writes that must reject stale holders should persist and
// compare it.
func LeaseToken(ctx context.Context) (id.LeaseID, bool) {
	t, ok := ctx.Value(leaseKey).(id.LeaseID)
	return t, ok && !t.IsNil()
}

// WithHolder returns a context carrying the identity of the host instance.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey, holder)
}

// Holder returns the host instance identity, or "" if unset.
func Holder(ctx context.Context) string {
	h, _ := ctx.Value(holderKey).(string)
	return h
}
