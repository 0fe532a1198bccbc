package sqlite

import (
	"context"
	"fmt"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/jobstate"
)

// LoadJobState returns the saved state of jobName.
func (s *Store) LoadJobState(ctx context.Context, jobName string) (*jobstate.State, error) {
	var (
		st      = jobstate.State{JobName: jobName}
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM taskhost_job_states WHERE job_name = ?`, jobName,
	).Scan(&st.Data, &updated)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrStateNotFound
		}
		return nil, fmt.Errorf("taskhost/sqlite: load job state: %w", err)
	}
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

// SaveJobState creates or overwrites the state of st.JobName.
func (s *Store) SaveJobState(ctx context.Context, st *jobstate.State) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taskhost_job_states (job_name, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (job_name) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		st.JobName, st.Data, toNanos(updated),
	)
	if err != nil {
		return fmt.Errorf("taskhost/sqlite: save job state: %w", err)
	}
	return nil
}
