package store

import (
	"context"

	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, bun, sqlite, redis, memory) implements all of
// them.
type Store interface {
	workitem.Store
	lease.Store
	jobstate.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
