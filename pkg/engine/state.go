package engine

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSyncing
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Up reports whether the transport is connected, syncing or not.
func (s State) Up() bool {
	return s == StateConnected || s == StateSyncing
}

// SyncStatus is the latest eth_syncing answer.
type SyncStatus struct {
	CurrentBlock  uint64
	HighestBlock  uint64
	StartingBlock uint64
	Syncing       bool
}

// Status is a point-in-time copy of engine state.
type Status struct {
	ID            string
	State         State
	Ready         bool
	Polling       bool
	Busy          bool
	Sync          SyncStatus
	Peers         uint64
	BlockNumber   uint64
	ClientVersion string
	NetworkID     string
	Queued        int
	InFlight      bool
	BlockFilterID string
	// Filters maps caller keys to node filter ids.
	Filters   map[string]string
	LastError error
}
