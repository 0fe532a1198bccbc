package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// ── Item model ────────────────────────────────────────────────────

type itemModel struct {
	bun.BaseModel `bun:"table:taskhost_items,alias:i"`

	ID             string     `bun:"id,pk"`
	Queue          string     `bun:"queue,notnull"`
	Payload        []byte     `bun:"payload,notnull,type:bytea"`
	Status         string     `bun:"status,notnull,default:'pending'"`
	LeaseID        *string    `bun:"lease_id"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at"`
	Holder         string     `bun:"holder,notnull,default:''"`
	Attempts       int        `bun:"attempts,notnull,default:0"`
	LastError      string     `bun:"last_error,notnull,default:''"`
	EnqueuedAt     time.Time  `bun:"enqueued_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	FinishedAt     *time.Time `bun:"finished_at"`
}

func toItemModel(it *workitem.Item) *itemModel {
	m := &itemModel{
		ID:             it.ID.String(),
		Queue:          it.Queue,
		Payload:        it.Payload,
		Status:         string(it.Status),
		LeaseExpiresAt: it.LeaseExpiresAt,
		Holder:         it.Holder,
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		EnqueuedAt:     it.EnqueuedAt,
		UpdatedAt:      it.UpdatedAt,
		FinishedAt:     it.FinishedAt,
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}
	if !it.LeaseID.IsNil() {
		s := it.LeaseID.String()
		m.LeaseID = &s
	}
	return m
}

func fromItemModel(m *itemModel) (*workitem.Item, error) {
	itemID, err := id.ParseItemID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("taskhost/bun: parse item id %q: %w", m.ID, err)
	}

	it := &workitem.Item{
		ID:             itemID,
		Queue:          m.Queue,
		Payload:        m.Payload,
		Status:         workitem.Status(m.Status),
		LeaseExpiresAt: m.LeaseExpiresAt,
		Holder:         m.Holder,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		EnqueuedAt:     m.EnqueuedAt,
		UpdatedAt:      m.UpdatedAt,
		FinishedAt:     m.FinishedAt,
	}
	if m.LeaseID != nil && *m.LeaseID != "" {
		if it.LeaseID, err = id.ParseLeaseID(*m.LeaseID); err != nil {
			return nil, fmt.Errorf("taskhost/bun: parse lease id %q: %w", *m.LeaseID, err)
		}
	}
	return it, nil
}

// ── Lease model ───────────────────────────────────────────────────

type leaseModel struct {
	bun.BaseModel `bun:"table:taskhost_leases,alias:l"`

	Name       string    `bun:"name,pk"`
	LeaseID    string    `bun:"lease_id,notnull"`
	Holder     string    `bun:"holder,notnull"`
	AcquiredAt time.Time `bun:"acquired_at,notnull"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
}

func fromLeaseModel(m *leaseModel) (*lease.Lease, error) {
	leaseID, err := id.ParseLeaseID(m.LeaseID)
	if err != nil {
		return nil, fmt.Errorf("taskhost/bun: parse lease id %q: %w", m.LeaseID, err)
	}
	return &lease.Lease{
		Name:       m.Name,
		ID:         leaseID,
		Holder:     m.Holder,
		AcquiredAt: m.AcquiredAt,
		ExpiresAt:  m.ExpiresAt,
	}, nil
}

// ── Job state model ───────────────────────────────────────────────

type stateModel struct {
	bun.BaseModel `bun:"table:taskhost_job_states,alias:s"`

	JobName   string    `bun:"job_name,pk"`
	Data      []byte    `bun:"data,type:bytea"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func fromStateModel(m *stateModel) *jobstate.State {
	return &jobstate.State{
		JobName:   m.JobName,
		Data:      m.Data,
		UpdatedAt: m.UpdatedAt,
	}
}
