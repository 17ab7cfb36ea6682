package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/supervisor"
)

var (
	// ErrAlreadyOwned is returned for a claim while a session exists.
	ErrAlreadyOwned = errors.New("flap already owned by an active session")
	// ErrStaleSession is returned for operations referencing a session that
	// is not the current one.
	ErrStaleSession = errors.New("stale session id")
	// ErrNotActive is returned for commands arriving outside StateActive.
	ErrNotActive = errors.New("session not active")
	// ErrSequenceReplay is returned for a command whose sequence number is
	// not greater than the last accepted one.
	ErrSequenceReplay = errors.New("sequence number replayed or out of order")
	// ErrInterlock is returned for a command that would leave both lock
	// sides open at once.
	ErrInterlock = errors.New("interlock: both sides would be unlocked")
)

// Listener observes manager state transitions. sess is nil on the transition
// back to idle.
type Listener func(state State, sess *ControlSession)

// Config holds the manager's timing knobs. Both are operator-configurable;
// the settle delay gives in-flight local hardware operations time to finish
// between stopping the fallback and accepting remote commands.
type Config struct {
	SettleDelay     time.Duration
	WatchdogTimeout time.Duration
}

// Manager arbitrates control of the flap hardware between the local
// autonomous fallback and at most one remote session.
type Manager struct {
	hw    hardware.Port
	sup   supervisor.Supervisor
	store *Store // optional, records ended sessions
	cfg   Config
	log   *slog.Logger

	mu        sync.Mutex
	state     State
	cur       *ControlSession
	watchdog  *Watchdog
	cmdCtx    context.Context
	cmdCancel context.CancelFunc
	inflight  sync.WaitGroup // commands currently inside the hardware port

	listeners []Listener
}

// NewManager builds a manager in StateIdle. store may be nil.
func NewManager(hw hardware.Port, sup supervisor.Supervisor, store *Store, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		hw:    hw,
		sup:   sup,
		store: store,
		cfg:   cfg,
		log:   log,
		state: StateIdle,
	}
}

// OnTransition registers a state listener. Must be called before the manager
// starts handling claims.
func (m *Manager) OnTransition(fn Listener) {
	m.listeners = append(m.listeners, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the current session, or nil while idle.
func (m *Manager) Current() *ControlSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	c := *m.cur
	return &c
}

// Claim grants exclusive control to endpoint. Succeeds only from StateIdle;
// any claim while a session exists fails with ErrAlreadyOwned — there is no
// forced pre-emption. On success the local fallback is stopped, the settle
// delay runs, and the session becomes active with an armed watchdog.
func (m *Manager) Claim(ctx context.Context, endpoint string) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return "", ErrAlreadyOwned
	}
	now := time.Now()
	sess := &ControlSession{
		ID:              uuid.NewString(),
		OwnerEndpoint:   endpoint,
		State:           StateClaimed,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	m.cur = sess
	m.state = StateClaimed
	m.cmdCtx, m.cmdCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.log.Info("session claimed", "session", sess.ID, "endpoint", endpoint)
	m.notify(StateClaimed, sess)

	if err := m.sup.Stop(ctx); err != nil {
		// Could not take the hardware away from the fallback; roll back.
		m.abortClaim(sess.ID)
		return "", fmt.Errorf("stop local fallback: %w", err)
	}

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		// Claimant went away mid-settle. Run the full release sequence so
		// the fallback comes back.
		_ = m.Release(sess.ID, protocol.ReasonConnectionLost)
		return "", ctx.Err()
	}

	m.mu.Lock()
	if m.cur == nil || m.cur.ID != sess.ID || m.state != StateClaimed {
		// Released during the settle window.
		m.mu.Unlock()
		return "", ErrStaleSession
	}
	m.state = StateActive
	sess.State = StateActive
	m.watchdog = StartWatchdog(m.cfg.WatchdogTimeout, func() {
		m.log.Warn("watchdog expired", "session", sess.ID, "timeout", m.cfg.WatchdogTimeout)
		_ = m.Release(sess.ID, protocol.ReasonWatchdogTimeout)
	})
	m.mu.Unlock()

	m.log.Info("session active", "session", sess.ID, "settle", m.cfg.SettleDelay)
	m.notify(StateActive, sess)
	return sess.ID, nil
}

// abortClaim rolls a failed claim back to idle without the shutdown
// sequence: the fallback was never successfully stopped.
func (m *Manager) abortClaim(id string) {
	m.mu.Lock()
	if m.cur == nil || m.cur.ID != id {
		m.mu.Unlock()
		return
	}
	if m.cmdCancel != nil {
		m.cmdCancel()
	}
	m.cur = nil
	m.state = StateIdle
	m.mu.Unlock()
	m.notify(StateIdle, nil)
}

// Heartbeat records a liveness signal and rearms the watchdog. A heartbeat
// for anything but the current session is rejected with no effect.
func (m *Manager) Heartbeat(id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.ID != id {
		return ErrStaleSession
	}
	if m.state != StateActive && m.state != StateClaimed {
		return ErrStaleSession
	}
	m.cur.LastHeartbeatAt = ts
	if m.watchdog != nil {
		m.watchdog.Reset()
	}
	return nil
}

// Dispatch validates and executes one command for the owning session,
// returning the resulting hardware delta. Validation order: ownership,
// sequence, command kind, interlock. A command that fails at the hardware
// still consumes its sequence number.
func (m *Manager) Dispatch(id string, seq int64, kind hardware.CommandKind) (hardware.Delta, error) {
	m.mu.Lock()
	if m.cur == nil || m.cur.ID != id {
		m.mu.Unlock()
		return nil, ErrStaleSession
	}
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	if seq <= m.cur.LastSeq {
		m.mu.Unlock()
		return nil, ErrSequenceReplay
	}
	if !hardware.ValidKind(kind) {
		m.mu.Unlock()
		return nil, hardware.ErrUnknownCommand
	}
	prev := m.hw.Snapshot()
	if violatesInterlock(prev, kind) {
		m.mu.Unlock()
		return nil, ErrInterlock
	}
	m.cur.LastSeq = seq
	ctx := m.cmdCtx
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	// Hardware I/O runs outside the lock so heartbeats, the watchdog and a
	// concurrent release are never starved by a slow actuator.
	next, err := m.hw.Apply(ctx, kind)
	if err != nil {
		var fault *hardware.Fault
		if errors.As(err, &fault) && fault.Unsafe() {
			m.log.Error("unsafe hardware fault, forcing release",
				"session", id, "kind", kind, "error", err)
			go func() { _ = m.Release(id, protocol.ReasonHardwareFault) }()
		}
		return nil, fmt.Errorf("apply %s: %w", kind, err)
	}
	return hardware.Diff(prev, next), nil
}

// Release tears the session down: cancel in-flight commands, run the safety
// shutdown sequence, restart the fallback, return to idle. Idempotent —
// releasing while idle or already releasing is a no-op, so a duplicate
// watchdog expiry or a race between graceful release and timeout is
// harmless.
func (m *Manager) Release(id string, reason string) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	if m.cur == nil || id != m.cur.ID {
		m.mu.Unlock()
		return ErrStaleSession
	}
	if m.state == StateReleasing {
		m.mu.Unlock()
		return nil
	}
	sess := m.cur
	m.state = StateReleasing
	sess.State = StateReleasing
	sess.EndReason = reason
	cancel := m.cmdCancel
	wd := m.watchdog
	m.watchdog = nil
	m.mu.Unlock()

	m.log.Info("releasing session", "session", sess.ID, "reason", reason)
	m.notify(StateReleasing, sess)

	// Queued and in-flight commands are discarded, not drained.
	if cancel != nil {
		cancel()
	}
	if wd != nil {
		wd.Stop()
	}

	// A command already inside the hardware port may be past the point of
	// cancellation. Its effect must land before the shutdown sequence runs,
	// never after, or the shutdown's lock commands could be undone.
	m.inflight.Wait()

	m.safetyShutdown()

	if err := m.sup.Start(context.Background()); err != nil {
		// The flap is locked down but cannot decide autonomously; this
		// needs operator attention.
		m.log.Error("local fallback failed to start after release", "error", err)
	}

	m.mu.Lock()
	now := time.Now()
	sess.EndedAt = &now
	sess.State = StateIdle
	m.cur = nil
	m.state = StateIdle
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(sess); err != nil {
			m.log.Warn("failed to record session", "session", sess.ID, "error", err)
		}
	}

	m.log.Info("session released", "session", sess.ID, "reason", reason)
	m.notify(StateIdle, nil)
	return nil
}

// safetyShutdown leaves the hardware in the defined safe state: RFID read
// stopped, RFID field powered down, both lock sides closed. Each step is
// idempotent at the hardware level; errors are logged and the remaining
// steps still run.
func (m *Manager) safetyShutdown() {
	ctx := context.Background()
	for _, kind := range []hardware.CommandKind{
		hardware.KindRFIDReadStop,
		hardware.KindRFIDPowerOff,
		hardware.KindLockInner,
		hardware.KindLockOuter,
	} {
		if _, err := m.hw.Apply(ctx, kind); err != nil {
			m.log.Error("safety shutdown step failed", "kind", kind, "error", err)
		}
	}
}

// violatesInterlock reports whether applying kind to snap would leave both
// lock sides unlocked at once. That combination is never allowed, no matter
// what the remote asks for.
func violatesInterlock(snap hardware.Snapshot, kind hardware.CommandKind) bool {
	switch kind {
	case hardware.KindUnlockInner:
		return snap.OuterLock == hardware.Unlocked
	case hardware.KindUnlockOuter:
		return snap.InnerLock == hardware.Unlocked
	}
	return false
}

func (m *Manager) notify(state State, sess *ControlSession) {
	for _, fn := range m.listeners {
		fn(state, sess)
	}
}
