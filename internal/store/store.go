// Package store persists the latest derived server status so dashboards
// survive panel restarts. The live view is always rebuilt from the process
// tree and logs; rows here are last-known-state, never authority.
package store

import (
	"context"
	"time"

	"github.com/minefleet/minefleet/internal/orchestrator"
)

// Record is one persisted status row.
type Record struct {
	ServerID   string
	Status     string
	Players    int
	TPS        float64
	CPUPercent float64
	MemoryMB   float64
	PID        int
	UpdatedAt  time.Time
}

type Store interface {
	EnsureSchema(ctx context.Context) error
	UpsertStatus(ctx context.Context, rec Record) error
	GetStatus(ctx context.Context, serverID string) (Record, error)
	ListStatuses(ctx context.Context) ([]Record, error)
	Close() error
}

// StatusAdapter satisfies orchestrator.StatusStore on top of a Store.
type StatusAdapter struct{ S Store }

func (a StatusAdapter) PersistServerStatus(id string, st orchestrator.State) error {
	return a.S.UpsertStatus(context.Background(), Record{
		ServerID:   id,
		Status:     string(st.Status),
		Players:    st.PlayerNum,
		TPS:        st.TPS,
		CPUPercent: st.CPUPercent,
		MemoryMB:   st.MemoryMB,
		PID:        st.PID,
	})
}
