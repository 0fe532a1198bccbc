package jobstate

import (
	"context"
	"time"
)

// State is the persisted state of one scheduled job.
type State struct {
	JobName   string    `json:"job_name"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence contract for job state.
type Store interface {
	// LoadJobState returns the state saved for jobName. Returns
	// taskhost.ErrStateNotFound if the job has never completed a firing.
	LoadJobState(ctx context.Context, jobName string) (*State, error)

	// SaveJobState creates or overwrites the state of s.JobName.
	SaveJobState(ctx context.Context, s *State) error
}
