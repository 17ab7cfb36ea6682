// Package remote implements the controller side of the flap protocol: it
// claims the session, keeps heartbeats flowing, issues commands, consumes
// telemetry, and reconnects with capped exponential backoff when the link
// degrades.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/protocol"
)

// ErrNotAttached is returned by Send while no session is active.
var ErrNotAttached = errors.New("no active control session")

// RejectedError is a command rejection from the target. It carries the wire
// reason code; the command had no hardware effect.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("command rejected (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("command rejected (%s)", e.Reason)
}

// releasedError ends a session loop when the target sends RELEASE.
type releasedError struct{ reason string }

func (e *releasedError) Error() string {
	return fmt.Sprintf("session released by target (%s)", e.reason)
}

// Config is the remote client's startup configuration, read once from the
// config file.
type Config struct {
	Host              string
	Port              int
	Endpoint          string // identity presented in CLAIM
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration // missing heartbeat acks for this long kills the link
	DialTimeout       time.Duration
	Backoff           BackoffConfig
}

// Addr returns the target's control address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

type cmdResult struct {
	delta  hardware.Delta
	reason string
	detail string
}

// Client drives one target. Run owns the connection lifecycle; Send issues
// commands from the decision logic running on this node.
type Client struct {
	cfg      Config
	syncer   *artifacts.Syncer // optional initial-sync runner
	manifest artifacts.Manifest
	log      *slog.Logger

	mu        sync.Mutex
	conn      *protocol.Conn
	sessionID string
	active    bool
	seq       int64
	pending   map[int64]chan cmdResult
	lastAck   time.Time

	telemetry chan hardware.Snapshot
}

// New builds a client. syncer may be nil to skip the initial sync entirely.
func New(cfg Config, syncer *artifacts.Syncer, manifest artifacts.Manifest, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		syncer:    syncer,
		manifest:  manifest,
		log:       log,
		pending:   map[int64]chan cmdResult{},
		telemetry: make(chan hardware.Snapshot, 16),
	}
}

// Stale reports whether hardware telemetry should be treated as stale: true
// whenever no session is currently active.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active
}

// SessionID returns the current session id, or "" while detached.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Telemetry returns the stream of hardware snapshots pushed by the target.
func (c *Client) Telemetry() <-chan hardware.Snapshot {
	return c.telemetry
}

// Run connects, claims, and keeps the session alive until ctx is cancelled,
// reconnecting with backoff after every failure. Returns ctx.Err() only.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(c.cfg.Backoff)

	for {
		claimed, err := c.attach(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if claimed {
			// A real session ran; start the next curve from scratch.
			bo.Reset()
		}
		delay := bo.Next()
		c.log.Warn("disconnected from target", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// attach runs one connection: handshake, optional initial sync, claim, then
// the heartbeat/read loops until something fails. claimed reports whether a
// session reached the active state.
func (c *Client) attach(ctx context.Context) (claimed bool, err error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return false, fmt.Errorf("dial target: %w", err)
	}
	pc := protocol.NewConn(nc)
	defer pc.Close()

	if err := c.handshake(pc); err != nil {
		return false, err
	}

	// First-ever pairing with this target: pull its artifacts before taking
	// over control. Gated by the persisted marker, so this is a no-op on
	// every later connection.
	if c.syncer != nil {
		needed, err := c.syncer.Needed(c.cfg.Addr())
		if err != nil {
			return false, err
		}
		if needed {
			if err := c.syncer.Sync(ctx, c.cfg.Addr(), c.manifest, connSource{pc: pc, timeout: syncReadTimeout}); err != nil {
				return false, err
			}
		}
	}

	sessionID, err := c.claim(pc)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = pc
	c.sessionID = sessionID
	c.active = true
	c.seq = 0
	c.lastAck = time.Now()
	c.mu.Unlock()
	defer c.detach()

	c.log.Info("session active", "session", sessionID, "target", c.cfg.Addr())

	stopHB := make(chan struct{})
	defer close(stopHB)
	go c.heartbeatLoop(pc, sessionID, stopHB)

	return true, c.readLoop(pc)
}

func (c *Client) handshake(pc *protocol.Conn) error {
	if err := pc.SendPayload(protocol.TypeHello, "", &protocol.Hello{ProtocolVersion: protocol.Version}); err != nil {
		return err
	}
	_ = pc.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer pc.SetReadDeadline(time.Time{})

	f, err := pc.Recv()
	if err != nil {
		return fmt.Errorf("waiting for hello ack: %w", err)
	}
	switch f.Type {
	case protocol.TypeHelloAck:
		var ack protocol.Hello
		if err := f.Decode(&ack); err != nil {
			return err
		}
		if ack.ProtocolVersion != protocol.Version {
			return fmt.Errorf("target speaks protocol %d, want %d", ack.ProtocolVersion, protocol.Version)
		}
		return nil
	case protocol.TypeRelease:
		var rel protocol.Release
		_ = f.Decode(&rel)
		return fmt.Errorf("target refused handshake: %s", rel.Reason)
	default:
		return fmt.Errorf("unexpected handshake reply %q", f.Type)
	}
}

func (c *Client) claim(pc *protocol.Conn) (string, error) {
	if err := pc.SendPayload(protocol.TypeClaim, "", &protocol.Claim{Endpoint: c.cfg.Endpoint}); err != nil {
		return "", err
	}
	for {
		f, err := pc.Recv()
		if err != nil {
			return "", fmt.Errorf("waiting for claim reply: %w", err)
		}
		switch f.Type {
		case protocol.TypeClaimOK:
			return f.SessionID, nil
		case protocol.TypeClaimRejected:
			var rej protocol.ClaimRejected
			_ = f.Decode(&rej)
			return "", fmt.Errorf("claim rejected: %s", rej.Reason)
		case protocol.TypeTelemetry:
			continue // harmless race with a prior session's stream
		case protocol.TypeRelease:
			var rel protocol.Release
			_ = f.Decode(&rel)
			return "", fmt.Errorf("target dropped us before claim: %s", rel.Reason)
		default:
			return "", fmt.Errorf("unexpected claim reply %q", f.Type)
		}
	}
}

// heartbeatLoop sends a heartbeat every interval and kills the connection
// when acks stop coming back.
func (c *Client) heartbeatLoop(pc *protocol.Conn, sessionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := pc.SendPayload(protocol.TypeHeartbeat, sessionID, &protocol.Heartbeat{Timestamp: time.Now()}); err != nil {
				_ = pc.Close()
				return
			}
			c.mu.Lock()
			silent := time.Since(c.lastAck)
			c.mu.Unlock()
			if silent > c.cfg.AckTimeout {
				c.log.Warn("heartbeat acks stopped, dropping link", "silent", silent)
				_ = pc.Close()
				return
			}
		}
	}
}

// readLoop routes inbound frames until the connection dies or the target
// releases the session.
func (c *Client) readLoop(pc *protocol.Conn) error {
	for {
		f, err := pc.Recv()
		if err != nil {
			return fmt.Errorf("read control channel: %w", err)
		}

		switch f.Type {
		case protocol.TypeHeartbeatAck:
			c.mu.Lock()
			c.lastAck = time.Now()
			c.mu.Unlock()

		case protocol.TypeAck:
			var ack protocol.Ack
			if err := f.Decode(&ack); err != nil {
				return err
			}
			c.resolve(ack.Seq, cmdResult{delta: ack.Delta})

		case protocol.TypeRejected:
			var rej protocol.Rejected
			if err := f.Decode(&rej); err != nil {
				return err
			}
			if rej.Seq == 0 && rej.Reason == protocol.ReasonStaleSession {
				// Rejected heartbeat: our session is gone on the target.
				return &releasedError{reason: rej.Reason}
			}
			c.resolve(rej.Seq, cmdResult{reason: rej.Reason, detail: rej.Detail})

		case protocol.TypeTelemetry:
			var tel protocol.Telemetry
			if err := f.Decode(&tel); err != nil {
				return err
			}
			select {
			case c.telemetry <- tel.Snapshot:
			default: // consumer is slow, drop rather than stall the link
			}

		case protocol.TypeRelease:
			var rel protocol.Release
			_ = f.Decode(&rel)
			return &releasedError{reason: rel.Reason}

		default:
			return fmt.Errorf("unexpected frame %q from target", f.Type)
		}
	}
}

// Send issues one command on the active session and waits for the target's
// verdict. Sequence numbers are assigned here, strictly increasing within
// the session.
func (c *Client) Send(ctx context.Context, kind hardware.CommandKind) (hardware.Delta, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, ErrNotAttached
	}
	c.seq++
	seq := c.seq
	pc := c.conn
	sessionID := c.sessionID
	ch := make(chan cmdResult, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := pc.SendPayload(protocol.TypeCommand, sessionID, &protocol.Command{Seq: seq, Kind: kind}); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.reason != "" {
			return nil, &RejectedError{Reason: res.reason, Detail: res.detail}
		}
		return res.delta, nil
	}
}

// Release gracefully gives control back to the target.
func (c *Client) Release(reason string) error {
	c.mu.Lock()
	pc := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()
	if pc == nil || sessionID == "" {
		return ErrNotAttached
	}
	return pc.SendPayload(protocol.TypeRelease, sessionID, &protocol.Release{Reason: reason})
}

// resolve hands a command verdict to its waiter, if still around.
func (c *Client) resolve(seq int64, res cmdResult) {
	c.mu.Lock()
	ch := c.pending[seq]
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default: // duplicate verdict for this seq, first one stands
		}
	}
}

// detach marks the session gone and fails all outstanding commands.
func (c *Client) detach() {
	c.mu.Lock()
	c.active = false
	c.sessionID = ""
	c.conn = nil
	for seq, ch := range c.pending {
		select {
		case ch <- cmdResult{reason: protocol.ReasonConnectionLost}:
		default: // waiter already gone, its verdict slot is full
		}
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

// syncReadTimeout bounds the wait for each frame of the sync stream. A
// target that goes silent mid-sync must not hang the attach forever.
const syncReadTimeout = 30 * time.Second

// SyncSource adapts an established control connection into an
// artifacts.Source, for one-shot syncs outside the session lifecycle.
func SyncSource(pc *protocol.Conn) artifacts.Source {
	return connSource{pc: pc, timeout: syncReadTimeout}
}

// connSource adapts the control connection into an artifacts.Source for the
// initial sync.
type connSource struct {
	pc      *protocol.Conn
	timeout time.Duration
}

func (s connSource) Fetch(ctx context.Context, m artifacts.Manifest, fn func(string, []byte, string) error) error {
	var wire []protocol.SyncArtifact
	for _, e := range m {
		wire = append(wire, protocol.SyncArtifact{Name: e.Name, Include: e.Include})
	}
	if err := s.pc.SendPayload(protocol.TypeSyncRequest, "", &protocol.SyncRequest{Artifacts: wire}); err != nil {
		return err
	}
	defer s.pc.SetReadDeadline(time.Time{})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.pc.SetReadDeadline(time.Now().Add(s.timeout))
		f, err := s.pc.Recv()
		if err != nil {
			return fmt.Errorf("sync stream: %w", err)
		}
		switch f.Type {
		case protocol.TypeSyncData:
			var data protocol.SyncData
			if err := f.Decode(&data); err != nil {
				return err
			}
			if err := fn(data.Name, data.Data, data.Checksum); err != nil {
				return err
			}
		case protocol.TypeSyncDone:
			return nil
		case protocol.TypeSyncFailed:
			var fail protocol.SyncFailed
			_ = f.Decode(&fail)
			return fmt.Errorf("target aborted sync: %s", fail.Reason)
		case protocol.TypeTelemetry:
			continue
		default:
			return fmt.Errorf("unexpected frame %q during sync", f.Type)
		}
	}
}
