package syncmgr

import (
	"time"

	"storefront/api/internal/document"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateDegraded
	StateSaving
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateSaving:
		return "saving"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the manager's sync lifecycle.
type Status struct {
	State             State
	LastSyncedVersion document.Version
	LastError         error
	UpdatedAt         time.Time
}

// RollbackPolicy decides what happens to an optimistic edit whose write fails.
type RollbackPolicy int

const (
	// KeepLocal leaves the edit in memory and in the cache. Local
	// availability wins over agreement with the content host.
	KeepLocal RollbackPolicy = iota
	// RevertToSynced restores the last document the content host confirmed.
	RevertToSynced
)
