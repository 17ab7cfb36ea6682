// Package protocol defines the wire format spoken between the flap target
// and a remote controller: JSON frames, one per line, over a persistent TCP
// connection. Three logical streams share the connection — control
// (hello/claim/heartbeat/release), commands, and telemetry — distinguished
// by frame type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flapctl/flapctl/internal/hardware"
)

// Version is negotiated in the HELLO exchange. Both sides must agree exactly;
// there is no cross-version compatibility window.
const Version = 1

// Frame types
const (
	TypeHello         = "hello"
	TypeHelloAck      = "hello_ack"
	TypeClaim         = "claim"
	TypeClaimOK       = "claim_ok"
	TypeClaimRejected = "claim_rejected"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeCommand       = "command"
	TypeAck           = "ack"
	TypeRejected      = "rejected"
	TypeTelemetry     = "telemetry"
	TypeRelease       = "release"
	TypeSyncRequest   = "sync_request"
	TypeSyncData      = "sync_data"
	TypeSyncDone      = "sync_done"
	TypeSyncFailed    = "sync_failed"
)

// Frame is the envelope carried on the wire. SessionID is set on every frame
// that refers to an established control session; Payload holds the
// type-specific body.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hello opens the handshake; HelloAck confirms it.
type Hello struct {
	ProtocolVersion int `json:"protocol_version"`
}

// Claim asks for exclusive control of the flap.
type Claim struct {
	Endpoint string `json:"endpoint"`
}

// ClaimOK grants a session; the session ID travels in the envelope.
type ClaimOK struct{}

// ClaimRejected refuses a claim with a reason code.
type ClaimRejected struct {
	Reason string `json:"reason"`
}

// Heartbeat is the periodic liveness signal from the session owner.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// Command requests one actuator action. Seq is strictly increasing per
// session; the target rejects anything that is not greater than the last
// accepted value.
type Command struct {
	Seq  int64                `json:"seq"`
	Kind hardware.CommandKind `json:"kind"`
	Args map[string]string    `json:"args,omitempty"`
}

// Ack confirms an accepted command and carries the resulting state delta.
type Ack struct {
	Seq   int64          `json:"seq"`
	Delta hardware.Delta `json:"delta,omitempty"`
}

// Rejected refuses a command without side effect.
type Rejected struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Telemetry is pushed target→remote, unsolicited, on every hardware state
// change while a session is active.
type Telemetry struct {
	Snapshot hardware.Snapshot `json:"snapshot"`
}

// Release tears a session down; sent in either direction.
type Release struct {
	Reason string `json:"reason"`
}

// SyncRequest asks the target to stream the flagged artifacts.
type SyncRequest struct {
	Artifacts []SyncArtifact `json:"artifacts"`
}

// SyncArtifact is one entry of a sync manifest on the wire.
type SyncArtifact struct {
	Name    string `json:"name"`
	Include bool   `json:"include"`
}

// SyncData carries one artifact's bytes (base64 in JSON) and its checksum.
type SyncData struct {
	Name     string `json:"name"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// SyncFailed aborts a sync stream.
type SyncFailed struct {
	Reason string `json:"reason"`
}

// NewFrame builds an envelope around a payload value.
func NewFrame(frameType, sessionID string, payload any) (*Frame, error) {
	f := &Frame{Type: frameType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
