//go:build integration

package postgres_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/taskhost/store"
	"github.com/xraph/taskhost/store/postgres"
	"github.com/xraph/taskhost/store/storetest"
	"github.com/xraph/taskhost/workitem"
)

// setupTestStore creates a Postgres container and returns a connected,
// migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("taskhost_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return s
}

func TestConformance(t *testing.T) {
	s := setupTestStore(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		_, err := s.Pool().Exec(context.Background(),
			`TRUNCATE taskhost_items, taskhost_leases, taskhost_job_states`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestMigrate_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errCh <- s.Migrate(ctx) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent Migrate: %v", err)
		}
	}
}

func TestSweepItems_AgeOnDatabaseClock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ages := map[string]string{"old": "90 minutes", "recent": "30 minutes"}
	ids := make(map[string]string)
	for name, age := range ages {
		it := storetest.NewItem("q", name)
		if err := s.EnqueueItem(ctx, it); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
		claimed, err := s.DequeueItem(ctx, "q", workitem.Claim{Holder: "h", Duration: time.Minute})
		if err != nil || claimed == nil {
			t.Fatalf("DequeueItem = %v, %v", claimed, err)
		}
		if ok, err := s.CompleteItem(ctx, claimed.ID, claimed.LeaseID); err != nil || !ok {
			t.Fatalf("CompleteItem = %v, %v", ok, err)
		}
		if _, err := s.Pool().Exec(ctx,
			`UPDATE taskhost_items SET finished_at = NOW() - $2::interval WHERE id = $1`,
			claimed.ID.String(), age,
		); err != nil {
			t.Fatalf("backdate: %v", err)
		}
		ids[string(claimed.Payload)] = claimed.ID.String()
	}

	n, err := s.SweepItems(ctx, "q", time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("SweepItems: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	c, err := s.CountItems(ctx, "q")
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	if c.Completed != 1 {
		t.Fatalf("completed left = %d, want 1", c.Completed)
	}
	var left string
	if err := s.Pool().QueryRow(ctx, `SELECT id FROM taskhost_items`).Scan(&left); err != nil {
		t.Fatalf("select remaining: %v", err)
	}
	if left != ids["recent"] {
		t.Fatalf("remaining item = %s, want the recent one %s", left, ids["recent"])
	}
}
