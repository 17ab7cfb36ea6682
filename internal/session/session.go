// Package session owns the single "who controls the flap" fact. All
// ownership transitions go through the Manager so they are atomic with
// respect to concurrent claim attempts, watchdog expiry and command
// dispatch.
package session

import "time"

// State is the manager's position in the control-session lifecycle.
type State string

const (
	// StateIdle: no owner, the local autonomous fallback runs.
	StateIdle State = "idle"
	// StateClaimed: claim accepted, fallback stopping, settle delay running.
	StateClaimed State = "claimed"
	// StateActive: heartbeats flowing, commands accepted.
	StateActive State = "active"
	// StateReleasing: safety shutdown in progress.
	StateReleasing State = "releasing"
)

// ControlSession is the exclusive ownership grant from the target to one
// remote. A session is terminal once it leaves StateActive: a new claim
// always creates a new session.
type ControlSession struct {
	ID              string     `json:"id"`
	OwnerEndpoint   string     `json:"owner_endpoint"`
	State           State      `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	LastSeq         int64      `json:"last_seq"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
}
