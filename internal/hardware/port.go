// Package hardware abstracts the flap's physical layer: two electromagnetic
// locks, two motion sensors and an RFID reader. Everything above this package
// talks to the hardware through the Port interface, so the same control logic
// drives the GPIO-backed implementation on the device and the simulated one
// in tests.
package hardware

import (
	"context"
	"errors"
	"fmt"
)

// CommandKind identifies one actuator command accepted by the port.
type CommandKind string

const (
	KindLockInner     CommandKind = "lock_inner"
	KindUnlockInner   CommandKind = "unlock_inner"
	KindLockOuter     CommandKind = "lock_outer"
	KindUnlockOuter   CommandKind = "unlock_outer"
	KindRFIDPowerOn   CommandKind = "rfid_power_on"
	KindRFIDPowerOff  CommandKind = "rfid_power_off"
	KindRFIDReadStart CommandKind = "rfid_read_start"
	KindRFIDReadStop  CommandKind = "rfid_read_stop"
)

// ErrUnknownCommand is returned for a command kind the port does not implement.
var ErrUnknownCommand = errors.New("unknown hardware command")

// ValidKind reports whether k names a supported actuator command.
func ValidKind(k CommandKind) bool {
	switch k {
	case KindLockInner, KindUnlockInner, KindLockOuter, KindUnlockOuter,
		KindRFIDPowerOn, KindRFIDPowerOff, KindRFIDReadStart, KindRFIDReadStop:
		return true
	}
	return false
}

// Port is the hardware abstraction boundary. Writes go through Apply only,
// and only one writer is ever designated at a time (the session manager while
// a remote owns the flap, the local fallback otherwise); the port itself does
// not arbitrate writers.
type Port interface {
	// Snapshot returns the current hardware state.
	Snapshot() Snapshot

	// Apply executes a single actuator command and returns the snapshot
	// taken after it completed.
	Apply(ctx context.Context, kind CommandKind) (Snapshot, error)

	// Watch returns a channel of snapshots emitted on every state change,
	// including changes originating from sensors rather than commands.
	// The channel is closed when ctx is cancelled.
	Watch(ctx context.Context) <-chan Snapshot
}

// A Fault is a failure reported by the physical layer. Faults on lock
// actuators leave the lock position unknown, which callers treat as unsafe.
type Fault struct {
	Kind CommandKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("hardware fault on %s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Unsafe reports whether the fault leaves a lock in an unknown position.
func (f *Fault) Unsafe() bool {
	switch f.Kind {
	case KindLockInner, KindUnlockInner, KindLockOuter, KindUnlockOuter:
		return true
	}
	return false
}
