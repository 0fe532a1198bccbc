package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/jobstate"
)

// LoadJobState returns the saved state of jobName.
func (s *Store) LoadJobState(ctx context.Context, jobName string) (*jobstate.State, error) {
	m := new(stateModel)
	err := s.db.NewSelect().Model(m).
		Where("job_name = ?", jobName).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrStateNotFound
		}
		return nil, fmt.Errorf("taskhost/bun: load job state: %w", err)
	}
	return fromStateModel(m), nil
}

// SaveJobState creates or overwrites the state of st.JobName.
func (s *Store) SaveJobState(ctx context.Context, st *jobstate.State) error {
	m := &stateModel{
		JobName:   st.JobName,
		Data:      st.Data,
		UpdatedAt: st.UpdatedAt,
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (job_name) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskhost/bun: save job state: %w", err)
	}
	return nil
}
