package bunstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workitem.Store = (*Store)(nil)
	_ lease.Store    = (*Store)(nil)
	_ jobstate.Store = (*Store)(nil)
)

// migrationLockKey serializes concurrent Migrate calls across hosts. It is
// shared with the pgx store so both never race on one database.
const migrationLockKey = 0x7461736b686f7374

// Store is a Bun ORM implementation of store.Store using PostgreSQL dialect.
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Bun store. The caller owns the db lifecycle; the Store
// will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// migration is one named schema step, applied at most once.
type migration struct {
	name string
	up   func(ctx context.Context, tx bun.Tx) error
}

var migrations = []migration{
	{name: "bun/001_create_tables", up: createTables},
}

// Migrate creates the schema from the store's models. Steps run in a single
// transaction under an advisory lock, so concurrent hosts migrate once.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(?)`, int64(migrationLockKey)); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS taskhost_migrations (
				filename TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`)
		if err != nil {
			return fmt.Errorf("create migrations table: %w", err)
		}

		for _, m := range migrations {
			var applied bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM taskhost_migrations WHERE filename = ?)`,
				m.name,
			).Scan(&applied)
			if err != nil {
				return fmt.Errorf("check migration %s: %w", m.name, err)
			}
			if applied {
				continue
			}

			if err := m.up(ctx, tx); err != nil {
				return fmt.Errorf("execute migration %s: %w", m.name, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO taskhost_migrations (filename) VALUES (?)`, m.name,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", m.name, err)
			}

			s.logger.Info("applied migration", slog.String("name", m.name))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", taskhost.ErrMigrationFailed, err)
	}
	return nil
}

func createTables(ctx context.Context, tx bun.Tx) error {
	for _, model := range []any{(*itemModel)(nil), (*leaseModel)(nil), (*stateModel)(nil)} {
		if _, err := tx.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	_, err := tx.NewCreateIndex().
		Model((*itemModel)(nil)).
		Index("idx_taskhost_items_claim").
		IfNotExists().
		Column("queue", "enqueued_at", "id").
		Where("status IN ('pending', 'leased')").
		Exec(ctx)
	if err != nil {
		return err
	}

	_, err = tx.NewCreateIndex().
		Model((*itemModel)(nil)).
		Index("idx_taskhost_items_sweep").
		IfNotExists().
		Column("queue", "finished_at").
		Where("status IN ('completed', 'failed')").
		Exec(ctx)
	if err != nil {
		return err
	}

	_, err = tx.NewCreateIndex().
		Model((*leaseModel)(nil)).
		Index("idx_taskhost_leases_expires").
		IfNotExists().
		Column("expires_at").
		Exec(ctx)
	return err
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
