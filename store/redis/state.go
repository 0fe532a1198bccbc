package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/jobstate"
)

// LoadJobState returns the saved state of jobName.
func (s *Store) LoadJobState(ctx context.Context, jobName string) (*jobstate.State, error) {
	m, err := s.client.HGetAll(ctx, s.stateKey(jobName)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskhost/redis: load job state: %w", err)
	}
	if len(m) == 0 {
		return nil, taskhost.ErrStateNotFound
	}
	return &jobstate.State{
		JobName:   jobName,
		Data:      []byte(m["data"]),
		UpdatedAt: fromMillis(m["updated_at"]),
	}, nil
}

// SaveJobState creates or overwrites the state of st.JobName.
func (s *Store) SaveJobState(ctx context.Context, st *jobstate.State) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	err := s.client.HSet(ctx, s.stateKey(st.JobName),
		"data", st.Data,
		"updated_at", toMillis(updated),
	).Err()
	if err != nil {
		return fmt.Errorf("taskhost/redis: save job state: %w", err)
	}
	return nil
}
