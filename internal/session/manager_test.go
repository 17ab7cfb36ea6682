package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/protocol"
)

// fakeSupervisor counts start/stop calls.
type fakeSupervisor struct {
	mu      sync.Mutex
	stops   int
	starts  int
	stopErr error
}

func (f *fakeSupervisor) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	return nil
}

func (f *fakeSupervisor) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSupervisor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.starts
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *hardware.SimPort, *fakeSupervisor) {
	t.Helper()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 5 * time.Millisecond
	}
	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = time.Second
	}
	hw := hardware.NewSimPort()
	sup := &fakeSupervisor{}
	return NewManager(hw, sup, nil, cfg, nil), hw, sup
}

func claim(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.Claim(context.Background(), "remote-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, m.State())
	return id
}

func waitForState(t *testing.T, m *Manager, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never reached state %s (stuck at %s)", want, m.State())
}

func TestClaimFromIdle(t *testing.T) {
	m, _, sup := newTestManager(t, Config{})

	id := claim(t, m)
	assert.NotEmpty(t, id)

	stops, starts := sup.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, starts)

	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, id, cur.ID)
	assert.Equal(t, "remote-1", cur.OwnerEndpoint)
}

func TestClaimWhileOwnedRejected(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	claim(t, m)

	_, err := m.Claim(context.Background(), "remote-2")
	assert.ErrorIs(t, err, ErrAlreadyOwned)
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	const n = 16
	var wins, rejections atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Claim(context.Background(), "remote")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyOwned):
				rejections.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), rejections.Load())
}

func TestClaimRollsBackWhenFallbackStopFails(t *testing.T) {
	m, _, sup := newTestManager(t, Config{})
	sup.stopErr = errors.New("systemctl unreachable")

	_, err := m.Claim(context.Background(), "remote-1")
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())

	// A later claim must succeed once the supervisor recovers.
	sup.stopErr = nil
	claim(t, m)
}

func TestHeartbeatStaleSessionRejected(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	claim(t, m)

	err := m.Heartbeat("not-the-session", time.Now())
	assert.ErrorIs(t, err, ErrStaleSession)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	m, _, _ := newTestManager(t, Config{WatchdogTimeout: 120 * time.Millisecond})
	id := claim(t, m)

	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, m.Heartbeat(id, time.Now()))
	}
	assert.Equal(t, StateActive, m.State())
}

func TestWatchdogTimeoutForcesRelease(t *testing.T) {
	m, hw, sup := newTestManager(t, Config{WatchdogTimeout: 60 * time.Millisecond})
	id := claim(t, m)

	// Open the inner side so the shutdown sequence has something to undo.
	_, err := m.Dispatch(id, 1, hardware.KindUnlockInner)
	require.NoError(t, err)

	waitForState(t, m, StateIdle, time.Second)

	snap := hw.Snapshot()
	assert.Equal(t, hardware.Locked, snap.InnerLock)
	assert.Equal(t, hardware.Locked, snap.OuterLock)
	assert.False(t, snap.RFIDPower)

	_, starts := sup.counts()
	assert.Equal(t, 1, starts, "fallback restarted after watchdog release")
}

func TestDispatchSequenceMonotonicity(t *testing.T) {
	m, hw, _ := newTestManager(t, Config{})
	id := claim(t, m)

	_, err := m.Dispatch(id, 5, hardware.KindRFIDPowerOn)
	require.NoError(t, err)

	// Replay and stale sequence numbers are rejected with no hardware effect.
	before := hw.Snapshot()
	_, err = m.Dispatch(id, 5, hardware.KindRFIDPowerOff)
	assert.ErrorIs(t, err, ErrSequenceReplay)
	_, err = m.Dispatch(id, 3, hardware.KindRFIDPowerOff)
	assert.ErrorIs(t, err, ErrSequenceReplay)
	assert.Equal(t, before.RFIDPower, hw.Snapshot().RFIDPower)

	// Gaps are fine, ordering is what matters.
	_, err = m.Dispatch(id, 50, hardware.KindRFIDPowerOff)
	assert.NoError(t, err)
}

func TestDispatchWrongSessionRejected(t *testing.T) {
	m, hw, _ := newTestManager(t, Config{})
	claim(t, m)

	before := hw.Snapshot()
	_, err := m.Dispatch("bogus", 1, hardware.KindUnlockInner)
	assert.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, before.InnerLock, hw.Snapshot().InnerLock)
}

func TestInterlockRefusesDoubleUnlock(t *testing.T) {
	m, hw, _ := newTestManager(t, Config{})
	id := claim(t, m)

	_, err := m.Dispatch(id, 1, hardware.KindUnlockInner)
	require.NoError(t, err)

	_, err = m.Dispatch(id, 2, hardware.KindUnlockOuter)
	assert.ErrorIs(t, err, ErrInterlock)

	snap := hw.Snapshot()
	assert.Equal(t, hardware.Unlocked, snap.InnerLock)
	assert.Equal(t, hardware.Locked, snap.OuterLock, "outer side must stay locked")

	// And symmetrically from the other side.
	_, err = m.Dispatch(id, 3, hardware.KindLockInner)
	require.NoError(t, err)
	_, err = m.Dispatch(id, 4, hardware.KindUnlockOuter)
	require.NoError(t, err)
	_, err = m.Dispatch(id, 5, hardware.KindUnlockInner)
	assert.ErrorIs(t, err, ErrInterlock)
}

func TestDispatchReturnsDelta(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id := claim(t, m)

	delta, err := m.Dispatch(id, 1, hardware.KindUnlockInner)
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, "inner_lock", delta[0].Field)
	assert.Equal(t, "unlocked", delta[0].To)
}

func TestReleaseIdempotent(t *testing.T) {
	m, hw, sup := newTestManager(t, Config{})
	id := claim(t, m)

	_, err := m.Dispatch(id, 1, hardware.KindRFIDPowerOn)
	require.NoError(t, err)

	require.NoError(t, m.Release(id, protocol.ReasonOperator))
	first := hw.Snapshot()

	// A duplicate release (e.g. a racing watchdog expiry) must be a no-op.
	require.NoError(t, m.Release(id, protocol.ReasonWatchdogTimeout))
	second := hw.Snapshot()

	assert.Empty(t, hardware.Diff(first, second))
	assert.Equal(t, hardware.Locked, second.InnerLock)
	assert.Equal(t, hardware.Locked, second.OuterLock)
	assert.False(t, second.RFIDPower)

	_, starts := sup.counts()
	assert.Equal(t, 1, starts, "fallback started exactly once")
}

func TestReleaseThenNewClaim(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id := claim(t, m)
	require.NoError(t, m.Release(id, protocol.ReasonOperator))

	// Terminal per session: the old ID is dead, a fresh claim gets a new one.
	assert.ErrorIs(t, m.Heartbeat(id, time.Now()), ErrStaleSession)

	id2 := claim(t, m)
	assert.NotEqual(t, id, id2)

	// Sequence numbering restarts with the session.
	_, err := m.Dispatch(id2, 1, hardware.KindRFIDPowerOn)
	assert.NoError(t, err)
}

// gatedPort delays one command kind inside Apply until the test opens the
// gate, simulating an actuator operation past the point of cancellation.
type gatedPort struct {
	*hardware.SimPort
	kind    hardware.CommandKind
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPort) Apply(ctx context.Context, kind hardware.CommandKind) (hardware.Snapshot, error) {
	if kind == p.kind {
		p.entered <- struct{}{}
		<-p.gate
		// The actuator was already driven; cancellation cannot retract it.
		return p.SimPort.Apply(context.Background(), kind)
	}
	return p.SimPort.Apply(ctx, kind)
}

func TestReleaseWaitsForInFlightCommand(t *testing.T) {
	hw := hardware.NewSimPort()
	gated := &gatedPort{
		SimPort: hw,
		kind:    hardware.KindUnlockInner,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m := NewManager(gated, &fakeSupervisor{}, nil, Config{
		SettleDelay:     5 * time.Millisecond,
		WatchdogTimeout: time.Second,
	}, nil)
	id := claim(t, m)

	dispatched := make(chan error, 1)
	go func() {
		_, err := m.Dispatch(id, 1, hardware.KindUnlockInner)
		dispatched <- err
	}()
	<-gated.entered // the unlock is now inside the hardware port

	released := make(chan struct{})
	go func() {
		_ = m.Release(id, protocol.ReasonWatchdogTimeout)
		close(released)
	}()

	// The shutdown sequence must not complete while the unlock is still in
	// flight: if it did, the unlock would land afterwards and reopen the lock.
	select {
	case <-released:
		t.Fatal("release completed with a command still inside the hardware port")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.gate)
	<-dispatched
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release never completed after the command landed")
	}

	snap := hw.Snapshot()
	assert.Equal(t, hardware.Locked, snap.InnerLock, "in-flight unlock must not survive the shutdown")
	assert.Equal(t, hardware.Locked, snap.OuterLock)
	assert.Equal(t, StateIdle, m.State())
}

func TestReleaseRequiresSessionID(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	claim(t, m)

	assert.ErrorIs(t, m.Release("", protocol.ReasonOperator), ErrStaleSession)
	assert.ErrorIs(t, m.Release("other", protocol.ReasonOperator), ErrStaleSession)
	assert.Equal(t, StateActive, m.State())
}

func TestUnsafeHardwareFaultForcesRelease(t *testing.T) {
	m, hw, _ := newTestManager(t, Config{})
	id := claim(t, m)

	hw.FailNext(errors.New("lock coil fault"))
	_, err := m.Dispatch(id, 1, hardware.KindUnlockInner)
	require.Error(t, err)

	waitForState(t, m, StateIdle, time.Second)
}

func TestTransitionListener(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	var mu sync.Mutex
	var states []State
	m.OnTransition(func(s State, _ *ControlSession) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	id := claim(t, m)
	require.NoError(t, m.Release(id, protocol.ReasonOperator))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateClaimed, StateActive, StateReleasing, StateIdle}, states)
}

func TestReleaseRecordsSession(t *testing.T) {
	store, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)

	hw := hardware.NewSimPort()
	m := NewManager(hw, &fakeSupervisor{}, store, Config{
		SettleDelay:     5 * time.Millisecond,
		WatchdogTimeout: time.Second,
	}, nil)

	id := claim(t, m)
	require.NoError(t, m.Release(id, protocol.ReasonOperator))

	rec, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonOperator, rec.EndReason)
	require.NotNil(t, rec.EndedAt)
}
