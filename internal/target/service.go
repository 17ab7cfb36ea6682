// Package target implements the network-facing control endpoint on the flap
// device: it terminates the control channel, validates and forwards commands
// to the session manager, and streams telemetry to the current owner.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/network"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/session"
)

// handshakeTimeout bounds how long a fresh connection may sit silent before
// sending HELLO.
const handshakeTimeout = 10 * time.Second

// Service accepts one remote controller at a time on the control port.
type Service struct {
	addr     string
	mgr      *session.Manager
	hw       hardware.Port
	provider *artifacts.Provider
	policy   *network.Policy
	notice   NoticeController
	log      *slog.Logger

	mu   sync.Mutex
	busy bool
	ln   net.Listener
	conn *protocol.Conn // connection owning the current session, if any
}

// New wires a service. provider may be nil (sync requests then fail),
// policy may be nil (all peers allowed), notice may be nil (logged only).
func New(addr string, mgr *session.Manager, hw hardware.Port, provider *artifacts.Provider, policy *network.Policy, notice NoticeController, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if notice == nil {
		notice = LogNotice{Log: log}
	}
	s := &Service{
		addr:     addr,
		mgr:      mgr,
		hw:       hw,
		provider: provider,
		policy:   policy,
		notice:   notice,
		log:      log,
	}

	// The info-page switch follows session state, so it also flips on a
	// watchdog-forced release, and the owning connection is told why its
	// session went away.
	mgr.OnTransition(func(state session.State, sess *session.ControlSession) {
		switch state {
		case session.StateActive:
			s.notice.RemoteAttached()
		case session.StateReleasing:
			s.sendReleaseNotice(sess)
		case session.StateIdle:
			s.notice.RemoteDetached()
		}
	})
	return s
}

// Addr returns the bound listen address, once Run has started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Run listens for control connections until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on control port: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("target control service listening", "addr", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// Run the safety shutdown before the listener drops, so the owner
		// hears why its session ended.
		if cur := s.mgr.Current(); cur != nil {
			_ = s.mgr.Release(cur.ID, protocol.ReasonShutdown)
		}
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			if !s.acquire() {
				// One prospective owner at a time.
				s.log.Warn("refusing second control connection", "peer", nc.RemoteAddr())
				pc := protocol.NewConn(nc)
				_ = pc.SendPayload(protocol.TypeRelease, "", &protocol.Release{Reason: protocol.ReasonBusy})
				_ = pc.Close()
				continue
			}
			go func() {
				defer s.release()
				s.handleConn(ctx, nc)
			}()
		}
	})
	return g.Wait()
}

func (s *Service) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.conn = nil
	s.mu.Unlock()
}

// handleConn runs the handshake and then the frame loop for one connection.
func (s *Service) handleConn(ctx context.Context, nc net.Conn) {
	pc := protocol.NewConn(nc)
	defer pc.Close()
	peer := nc.RemoteAddr().String()
	log := s.log.With("peer", peer)

	if err := s.handshake(pc); err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}
	log.Info("remote connected")

	tctx, tcancel := context.WithCancel(ctx)
	defer tcancel()

	var sessionID string
	var watchCancel context.CancelFunc
	defer func() {
		// Transport gone while we still own a session: force the release.
		if sessionID != "" {
			_ = s.mgr.Release(sessionID, protocol.ReasonConnectionLost)
		}
	}()

	for {
		f, err := pc.Recv()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("control connection closed", "error", err)
			}
			return
		}

		switch f.Type {
		case protocol.TypeClaim:
			var claim protocol.Claim
			if err := f.Decode(&claim); err != nil {
				s.dropProtocolError(pc, log, err)
				return
			}
			if s.policy != nil && !s.policy.Allows(peer) {
				log.Warn("claim refused by allowlist", "endpoint", claim.Endpoint)
				_ = pc.SendPayload(protocol.TypeClaimRejected, "", &protocol.ClaimRejected{Reason: protocol.ReasonNotAllowed})
				continue
			}
			id, err := s.mgr.Claim(ctx, claim.Endpoint)
			if err != nil {
				_ = pc.SendPayload(protocol.TypeClaimRejected, "", &protocol.ClaimRejected{Reason: rejectReason(err)})
				continue
			}
			sessionID = id
			s.mu.Lock()
			s.conn = pc
			s.mu.Unlock()
			// Each claim gets its own telemetry stream; the previous one
			// stops rather than piling up over a long-lived connection.
			if watchCancel != nil {
				watchCancel()
			}
			wctx, wcancel := context.WithCancel(tctx)
			watchCancel = wcancel
			s.watchTelemetry(wctx, pc, id)
			_ = pc.SendPayload(protocol.TypeClaimOK, id, &protocol.ClaimOK{})

		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			if err := f.Decode(&hb); err != nil {
				s.dropProtocolError(pc, log, err)
				return
			}
			if err := s.mgr.Heartbeat(f.SessionID, hb.Timestamp); err != nil {
				_ = pc.SendPayload(protocol.TypeRejected, f.SessionID, &protocol.Rejected{Reason: protocol.ReasonStaleSession})
				continue
			}
			_ = pc.SendPayload(protocol.TypeHeartbeatAck, f.SessionID, nil)

		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := f.Decode(&cmd); err != nil {
				s.dropProtocolError(pc, log, err)
				return
			}
			delta, err := s.mgr.Dispatch(f.SessionID, cmd.Seq, cmd.Kind)
			if err != nil {
				log.Info("command rejected", "seq", cmd.Seq, "kind", cmd.Kind, "reason", rejectReason(err))
				_ = pc.SendPayload(protocol.TypeRejected, f.SessionID, &protocol.Rejected{
					Seq:    cmd.Seq,
					Reason: rejectReason(err),
					Detail: err.Error(),
				})
				continue
			}
			_ = pc.SendPayload(protocol.TypeAck, f.SessionID, &protocol.Ack{Seq: cmd.Seq, Delta: delta})

		case protocol.TypeRelease:
			var rel protocol.Release
			if err := f.Decode(&rel); err != nil {
				s.dropProtocolError(pc, log, err)
				return
			}
			id := f.SessionID
			sessionID = ""
			_ = s.mgr.Release(id, rel.Reason)
			return

		case protocol.TypeSyncRequest:
			var req protocol.SyncRequest
			if err := f.Decode(&req); err != nil {
				s.dropProtocolError(pc, log, err)
				return
			}
			s.serveSync(pc, log, &req)

		default:
			// Unexpected frame for this side of the conversation.
			s.dropProtocolError(pc, log, fmt.Errorf("unexpected frame type %q", f.Type))
			return
		}
	}
}

// handshake enforces HELLO-first with an exact protocol version match.
func (s *Service) handshake(pc *protocol.Conn) error {
	_ = pc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer pc.SetReadDeadline(time.Time{})

	f, err := pc.Recv()
	if err != nil {
		return fmt.Errorf("waiting for hello: %w", err)
	}
	if f.Type != protocol.TypeHello {
		_ = pc.SendPayload(protocol.TypeRelease, "", &protocol.Release{Reason: protocol.ReasonBadFrame})
		return fmt.Errorf("expected hello, got %q", f.Type)
	}
	var hello protocol.Hello
	if err := f.Decode(&hello); err != nil {
		_ = pc.SendPayload(protocol.TypeRelease, "", &protocol.Release{Reason: protocol.ReasonBadFrame})
		return err
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = pc.SendPayload(protocol.TypeRelease, "", &protocol.Release{Reason: protocol.ReasonVersionMismatch})
		return fmt.Errorf("protocol version %d, want %d", hello.ProtocolVersion, protocol.Version)
	}
	return pc.SendPayload(protocol.TypeHelloAck, "", &protocol.Hello{ProtocolVersion: protocol.Version})
}

// watchTelemetry forwards hardware state changes to the owner until ctx is
// cancelled or the session manager moves on.
func (s *Service) watchTelemetry(ctx context.Context, pc *protocol.Conn, sessionID string) {
	ch := s.hw.Watch(ctx)
	go func() {
		for snap := range ch {
			cur := s.mgr.Current()
			if cur == nil || cur.ID != sessionID {
				continue
			}
			if err := pc.SendPayload(protocol.TypeTelemetry, sessionID, &protocol.Telemetry{Snapshot: snap}); err != nil {
				return
			}
		}
	}()
}

// serveSync streams the requested artifacts: SYNC_DATA per artifact, then
// SYNC_DONE, or SYNC_FAILED on the first problem.
func (s *Service) serveSync(pc *protocol.Conn, log *slog.Logger, req *protocol.SyncRequest) {
	for _, entry := range req.Artifacts {
		if !entry.Include {
			continue
		}
		if s.provider == nil || !s.provider.Has(entry.Name) {
			log.Warn("sync request for unavailable artifact", "name", entry.Name)
			_ = pc.SendPayload(protocol.TypeSyncFailed, "", &protocol.SyncFailed{Reason: protocol.ReasonUnknownArtifact})
			return
		}
		data, sum, err := s.provider.Read(entry.Name)
		if err != nil {
			log.Error("failed to read artifact", "name", entry.Name, "error", err)
			_ = pc.SendPayload(protocol.TypeSyncFailed, "", &protocol.SyncFailed{Reason: err.Error()})
			return
		}
		if err := pc.SendPayload(protocol.TypeSyncData, "", &protocol.SyncData{
			Name:     entry.Name,
			Data:     data,
			Checksum: sum,
		}); err != nil {
			// A frame-size failure happens before any bytes hit the wire,
			// so the remote is still listening for a verdict.
			log.Error("failed to send artifact", "name", entry.Name, "error", err)
			_ = pc.SendPayload(protocol.TypeSyncFailed, "", &protocol.SyncFailed{Reason: err.Error()})
			return
		}
		log.Info("artifact served", "name", entry.Name, "bytes", len(data))
	}
	_ = pc.SendPayload(protocol.TypeSyncDone, "", nil)
}

// sendReleaseNotice tells the owning connection its session is being torn
// down. Best effort: the transport may already be gone.
func (s *Service) sendReleaseNotice(sess *session.ControlSession) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	pc := s.conn
	s.mu.Unlock()
	if pc == nil {
		return
	}
	_ = pc.SendPayload(protocol.TypeRelease, sess.ID, &protocol.Release{Reason: sess.EndReason})
}

// dropProtocolError terminates the connection on a framing/state violation;
// the remote must start over with a fresh HELLO.
func (s *Service) dropProtocolError(pc *protocol.Conn, log *slog.Logger, err error) {
	log.Warn("protocol error, dropping connection", "error", err)
	_ = pc.SendPayload(protocol.TypeRelease, "", &protocol.Release{Reason: protocol.ReasonBadFrame})
}

// rejectReason maps dispatch/claim errors to wire reason codes.
func rejectReason(err error) string {
	var fault *hardware.Fault
	switch {
	case errors.Is(err, session.ErrAlreadyOwned):
		return protocol.ReasonAlreadyOwned
	case errors.Is(err, session.ErrStaleSession), errors.Is(err, session.ErrNotActive):
		return protocol.ReasonStaleSession
	case errors.Is(err, session.ErrSequenceReplay):
		return protocol.ReasonSequenceReplay
	case errors.Is(err, session.ErrInterlock):
		return protocol.ReasonInterlock
	case errors.As(err, &fault):
		return protocol.ReasonHardwareFault
	case errors.Is(err, hardware.ErrUnknownCommand):
		return protocol.ReasonBadFrame
	default:
		return protocol.ReasonHardwareFault
	}
}
