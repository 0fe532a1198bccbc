package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/jobstate"
)

// LoadJobState returns the saved state of jobName.
func (s *Store) LoadJobState(ctx context.Context, jobName string) (*jobstate.State, error) {
	st := jobstate.State{JobName: jobName}
	err := s.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM taskhost_job_states WHERE job_name = $1`,
		jobName,
	).Scan(&st.Data, &st.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrStateNotFound
		}
		return nil, fmt.Errorf("taskhost/postgres: load job state: %w", err)
	}
	return &st, nil
}

// SaveJobState creates or overwrites the state of st.JobName.
func (s *Store) SaveJobState(ctx context.Context, st *jobstate.State) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskhost_job_states (job_name, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_name) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		st.JobName, st.Data, updated,
	)
	if err != nil {
		return fmt.Errorf("taskhost/postgres: save job state: %w", err)
	}
	return nil
}
