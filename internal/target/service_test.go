package target

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/network"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/session"
	"github.com/flapctl/flapctl/internal/supervisor"
)

type testTarget struct {
	svc    *Service
	mgr    *session.Manager
	hw     *hardware.SimPort
	cancel context.CancelFunc
}

func startTarget(t *testing.T, cfg session.Config, provider *artifacts.Provider, policy *network.Policy) *testTarget {
	t.Helper()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 5 * time.Millisecond
	}
	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = time.Second
	}

	hw := hardware.NewSimPort()
	mgr := session.NewManager(hw, supervisor.Nop{}, nil, cfg, nil)
	svc := New("127.0.0.1:0", mgr, hw, provider, policy, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = svc.Run(ctx) }()

	// Wait for the listener to bind.
	deadline := time.Now().Add(2 * time.Second)
	for strings.HasSuffix(svc.Addr(), ":0") {
		if time.Now().After(deadline) {
			t.Fatal("service never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &testTarget{svc: svc, mgr: mgr, hw: hw, cancel: cancel}
}

func dialTarget(t *testing.T, tt *testTarget) *protocol.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", tt.svc.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return protocol.NewConn(nc)
}

// recvType reads frames until one of the wanted type arrives, skipping
// telemetry pushed in between.
func recvType(t *testing.T, pc *protocol.Conn, want string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, pc.SetReadDeadline(deadline))
		f, err := pc.Recv()
		require.NoError(t, err, "waiting for %s", want)
		if f.Type == want {
			_ = pc.SetReadDeadline(time.Time{})
			return f
		}
		if f.Type == protocol.TypeTelemetry {
			continue
		}
		t.Fatalf("expected frame %s, got %s", want, f.Type)
	}
}

func handshake(t *testing.T, pc *protocol.Conn) {
	t.Helper()
	require.NoError(t, pc.SendPayload(protocol.TypeHello, "", &protocol.Hello{ProtocolVersion: protocol.Version}))
	recvType(t, pc, protocol.TypeHelloAck)
}

func claimSession(t *testing.T, pc *protocol.Conn) string {
	t.Helper()
	require.NoError(t, pc.SendPayload(protocol.TypeClaim, "", &protocol.Claim{Endpoint: "test-remote"}))
	f := recvType(t, pc, protocol.TypeClaimOK)
	require.NotEmpty(t, f.SessionID)
	return f.SessionID
}

func TestHandshakeVersionMismatch(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	require.NoError(t, pc.SendPayload(protocol.TypeHello, "", &protocol.Hello{ProtocolVersion: 99}))
	f := recvType(t, pc, protocol.TypeRelease)

	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonVersionMismatch, rel.Reason)
}

func TestHelloRequiredBeforeClaim(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	require.NoError(t, pc.SendPayload(protocol.TypeClaim, "", &protocol.Claim{Endpoint: "eager"}))
	f := recvType(t, pc, protocol.TypeRelease)

	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonBadFrame, rel.Reason)
	assert.Equal(t, session.StateIdle, tt.mgr.State())
}

func TestClaimHeartbeatCommandFlow(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	id := claimSession(t, pc)
	assert.Equal(t, session.StateActive, tt.mgr.State())

	require.NoError(t, pc.SendPayload(protocol.TypeHeartbeat, id, &protocol.Heartbeat{Timestamp: time.Now()}))
	recvType(t, pc, protocol.TypeHeartbeatAck)

	require.NoError(t, pc.SendPayload(protocol.TypeCommand, id, &protocol.Command{Seq: 1, Kind: hardware.KindUnlockInner}))
	f := recvType(t, pc, protocol.TypeAck)
	var ack protocol.Ack
	require.NoError(t, f.Decode(&ack))
	assert.Equal(t, int64(1), ack.Seq)
	require.NotEmpty(t, ack.Delta)
	assert.Equal(t, "inner_lock", ack.Delta[0].Field)

	// Replayed sequence number: rejected, no hardware effect.
	require.NoError(t, pc.SendPayload(protocol.TypeCommand, id, &protocol.Command{Seq: 1, Kind: hardware.KindLockInner}))
	f = recvType(t, pc, protocol.TypeRejected)
	var rej protocol.Rejected
	require.NoError(t, f.Decode(&rej))
	assert.Equal(t, protocol.ReasonSequenceReplay, rej.Reason)
	assert.Equal(t, hardware.Unlocked, tt.hw.Snapshot().InnerLock)

	// Interlock: outer unlock while inner is open.
	require.NoError(t, pc.SendPayload(protocol.TypeCommand, id, &protocol.Command{Seq: 2, Kind: hardware.KindUnlockOuter}))
	f = recvType(t, pc, protocol.TypeRejected)
	require.NoError(t, f.Decode(&rej))
	assert.Equal(t, protocol.ReasonInterlock, rej.Reason)
	assert.Equal(t, hardware.Locked, tt.hw.Snapshot().OuterLock)
}

func TestTelemetryPushedOnStateChange(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	id := claimSession(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeCommand, id, &protocol.Command{Seq: 1, Kind: hardware.KindRFIDPowerOn}))

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, pc.SetReadDeadline(deadline))
		f, err := pc.Recv()
		require.NoError(t, err)
		if f.Type != protocol.TypeTelemetry {
			continue
		}
		var tel protocol.Telemetry
		require.NoError(t, f.Decode(&tel))
		assert.True(t, tel.Snapshot.RFIDPower)
		return
	}
}

func TestWatchdogReleaseNotifiesRemote(t *testing.T) {
	tt := startTarget(t, session.Config{WatchdogTimeout: 80 * time.Millisecond}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	id := claimSession(t, pc)
	_ = id

	// No heartbeats: the target must shut down and tell us why.
	f := recvType(t, pc, protocol.TypeRelease)
	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonWatchdogTimeout, rel.Reason)

	deadline := time.Now().Add(time.Second)
	for tt.mgr.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StateIdle, tt.mgr.State())

	snap := tt.hw.Snapshot()
	assert.Equal(t, hardware.Locked, snap.InnerLock)
	assert.Equal(t, hardware.Locked, snap.OuterLock)
	assert.False(t, snap.RFIDPower)
}

func TestSecondConnectionRefused(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc1 := dialTarget(t, tt)
	handshake(t, pc1)

	pc2 := dialTarget(t, tt)
	f := recvType(t, pc2, protocol.TypeRelease)
	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonBusy, rel.Reason)
}

func TestSecondClaimOnSameConnectionRejected(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	claimSession(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeClaim, "", &protocol.Claim{Endpoint: "again"}))
	f := recvType(t, pc, protocol.TypeClaimRejected)
	var rej protocol.ClaimRejected
	require.NoError(t, f.Decode(&rej))
	assert.Equal(t, protocol.ReasonAlreadyOwned, rej.Reason)
}

func TestAllowlistRefusesClaim(t *testing.T) {
	policy, err := network.Parse([]string{"none"})
	require.NoError(t, err)
	tt := startTarget(t, session.Config{}, nil, policy)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	require.NoError(t, pc.SendPayload(protocol.TypeClaim, "", &protocol.Claim{Endpoint: "stranger"}))
	f := recvType(t, pc, protocol.TypeClaimRejected)
	var rej protocol.ClaimRejected
	require.NoError(t, f.Decode(&rej))
	assert.Equal(t, protocol.ReasonNotAllowed, rej.Reason)
	assert.Equal(t, session.StateIdle, tt.mgr.State())
}

func TestRemoteReleaseReturnsToIdle(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	id := claimSession(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeRelease, id, &protocol.Release{Reason: protocol.ReasonOperator}))

	deadline := time.Now().Add(time.Second)
	for tt.mgr.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StateIdle, tt.mgr.State())
}

func TestConnectionDropForcesRelease(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)

	nc, err := net.Dial("tcp", tt.svc.Addr())
	require.NoError(t, err)
	pc := protocol.NewConn(nc)
	handshake(t, pc)
	claimSession(t, pc)

	require.NoError(t, nc.Close())

	deadline := time.Now().Add(time.Second)
	for tt.mgr.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StateIdle, tt.mgr.State())
}

func TestSyncServing(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("event-db"), 0644))
	provider, err := artifacts.NewProvider(map[string]string{artifacts.Database: dbPath})
	require.NoError(t, err)

	tt := startTarget(t, session.Config{}, provider, nil)
	pc := dialTarget(t, tt)
	handshake(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeSyncRequest, "", &protocol.SyncRequest{
		Artifacts: []protocol.SyncArtifact{{Name: artifacts.Database, Include: true}},
	}))

	f := recvType(t, pc, protocol.TypeSyncData)
	var data protocol.SyncData
	require.NoError(t, f.Decode(&data))
	assert.Equal(t, artifacts.Database, data.Name)
	assert.Equal(t, "event-db", string(data.Data))
	assert.Equal(t, artifacts.Checksum(data.Data), data.Checksum)

	recvType(t, pc, protocol.TypeSyncDone)
}

func TestSyncUnknownArtifactFails(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)
	handshake(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeSyncRequest, "", &protocol.SyncRequest{
		Artifacts: []protocol.SyncArtifact{{Name: artifacts.Model, Include: true}},
	}))

	f := recvType(t, pc, protocol.TypeSyncFailed)
	var fail protocol.SyncFailed
	require.NoError(t, f.Decode(&fail))
	assert.Equal(t, protocol.ReasonUnknownArtifact, fail.Reason)
}

func TestSyncOversizedArtifactFails(t *testing.T) {
	// Base64 inflation inside the JSON frame pushes 17MB well past the
	// frame-size cap, so the send fails locally without touching the wire.
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	require.NoError(t, os.WriteFile(dbPath, bytes.Repeat([]byte{0xAB}, 17<<20), 0644))
	provider, err := artifacts.NewProvider(map[string]string{artifacts.Database: dbPath})
	require.NoError(t, err)

	tt := startTarget(t, session.Config{}, provider, nil)
	pc := dialTarget(t, tt)
	handshake(t, pc)

	require.NoError(t, pc.SendPayload(protocol.TypeSyncRequest, "", &protocol.SyncRequest{
		Artifacts: []protocol.SyncArtifact{{Name: artifacts.Database, Include: true}},
	}))

	f := recvType(t, pc, protocol.TypeSyncFailed)
	var fail protocol.SyncFailed
	require.NoError(t, f.Decode(&fail))
	assert.NotEmpty(t, fail.Reason)
}

func TestShutdownReleasesActiveSession(t *testing.T) {
	tt := startTarget(t, session.Config{}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	id := claimSession(t, pc)

	// Unlock so the shutdown sequence has real work to undo.
	require.NoError(t, pc.SendPayload(protocol.TypeCommand, id, &protocol.Command{Seq: 1, Kind: hardware.KindUnlockInner}))
	recvType(t, pc, protocol.TypeAck)

	tt.cancel()

	f := recvType(t, pc, protocol.TypeRelease)
	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonShutdown, rel.Reason)

	deadline := time.Now().Add(time.Second)
	for tt.mgr.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StateIdle, tt.mgr.State())

	snap := tt.hw.Snapshot()
	assert.Equal(t, hardware.Locked, snap.InnerLock)
	assert.Equal(t, hardware.Locked, snap.OuterLock)
}

func TestReclaimReplacesTelemetryStream(t *testing.T) {
	tt := startTarget(t, session.Config{WatchdogTimeout: 60 * time.Millisecond}, nil, nil)
	pc := dialTarget(t, tt)

	handshake(t, pc)
	claimSession(t, pc)

	// Let the watchdog take the first session down, then claim again on the
	// same connection.
	f := recvType(t, pc, protocol.TypeRelease)
	var rel protocol.Release
	require.NoError(t, f.Decode(&rel))
	assert.Equal(t, protocol.ReasonWatchdogTimeout, rel.Reason)

	deadline := time.Now().Add(time.Second)
	for tt.mgr.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, session.StateIdle, tt.mgr.State())

	claimSession(t, pc)

	// Exactly one telemetry stream after the re-claim; the first session's
	// watcher must be gone.
	deadline = time.Now().Add(time.Second)
	for tt.hw.Watchers() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, tt.hw.Watchers())
}
