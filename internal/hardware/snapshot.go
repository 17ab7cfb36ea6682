package hardware

import "time"

// LockState is the position of one electromagnetic lock.
type LockState string

const (
	Locked   LockState = "locked"
	Unlocked LockState = "unlocked"
)

// RFIDRead records the most recent tag seen by the reader.
type RFIDRead struct {
	Tag string    `json:"tag"`
	At  time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the flap hardware. Snapshots are
// immutable values: every change observed through the port produces a new
// one, the previous is never mutated in place.
type Snapshot struct {
	InnerLock   LockState `json:"inner_lock"`
	OuterLock   LockState `json:"outer_lock"`
	InnerMotion bool      `json:"inner_motion"`
	OuterMotion bool      `json:"outer_motion"`
	RFIDPower   bool      `json:"rfid_power"`
	RFIDReading bool      `json:"rfid_reading"`
	LastRFID    RFIDRead  `json:"last_rfid"`
	TakenAt     time.Time `json:"taken_at"`
}

// FieldChange records one field that differs between two snapshots.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Delta is the list of fields that changed between two snapshots. An empty
// delta means the command was a no-op on hardware state.
type Delta []FieldChange

// Diff compares two snapshots field by field. TakenAt is ignored: two
// snapshots with identical hardware state are considered equal.
func Diff(prev, next Snapshot) Delta {
	var d Delta
	add := func(field, from, to string) {
		if from != to {
			d = append(d, FieldChange{Field: field, From: from, To: to})
		}
	}
	add("inner_lock", string(prev.InnerLock), string(next.InnerLock))
	add("outer_lock", string(prev.OuterLock), string(next.OuterLock))
	add("inner_motion", boolStr(prev.InnerMotion), boolStr(next.InnerMotion))
	add("outer_motion", boolStr(prev.OuterMotion), boolStr(next.OuterMotion))
	add("rfid_power", boolStr(prev.RFIDPower), boolStr(next.RFIDPower))
	add("rfid_reading", boolStr(prev.RFIDReading), boolStr(next.RFIDReading))
	add("last_rfid", prev.LastRFID.Tag, next.LastRFID.Tag)
	return d
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
