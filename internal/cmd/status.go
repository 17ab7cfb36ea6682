package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/config"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/session"
)

// probeTarget checks liveness with a handshake and nothing more: no claim,
// no session.
func probeTarget(addr string, timeout time.Duration) string {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	pc := protocol.NewConn(nc)
	defer pc.Close()

	if err := pc.SendPayload(protocol.TypeHello, "", &protocol.Hello{ProtocolVersion: protocol.Version}); err != nil {
		return fmt.Sprintf("handshake failed (%v)", err)
	}
	_ = pc.SetReadDeadline(time.Now().Add(timeout))
	f, err := pc.Recv()
	if err != nil {
		return fmt.Sprintf("handshake failed (%v)", err)
	}
	switch f.Type {
	case protocol.TypeHelloAck:
		return fmt.Sprintf("reachable, protocol %d", protocol.Version)
	case protocol.TypeRelease:
		var rel protocol.Release
		_ = f.Decode(&rel)
		if rel.Reason == protocol.ReasonBusy {
			return "reachable, but a controller is attached"
		}
		return fmt.Sprintf("refused (%s)", rel.Reason)
	default:
		return fmt.Sprintf("unexpected reply (%s)", f.Type)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local flapctl state",
	Long: `Show the local view: configured target, sync state, and recent
control sessions recorded on this machine.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("config:")
	fmt.Printf("  target listen:     %s\n", cfg.Target.Listen)
	fmt.Printf("  watchdog timeout:  %s\n", cfg.Target.WatchdogTimeout)
	fmt.Printf("  allow claims:      %v\n", cfg.Target.AllowClaims)
	if cfg.Remote.Host != "" {
		addr := net.JoinHostPort(cfg.Remote.Host, fmt.Sprintf("%d", cfg.Remote.Port))
		fmt.Printf("  remote target:     %s\n", addr)
		fmt.Printf("target: %s\n", probeTarget(addr, cfg.Remote.DialTimeout))
	} else {
		fmt.Println("  remote target:     (not configured)")
	}

	if cfg.Remote.Host != "" {
		addr := net.JoinHostPort(cfg.Remote.Host, fmt.Sprintf("%d", cfg.Remote.Port))
		markers, err := artifacts.NewMarkerStore()
		if err == nil {
			marker, err := markers.Load(addr)
			switch {
			case err != nil:
				fmt.Printf("sync: unreadable (%v)\n", err)
			case marker.Synced:
				fmt.Println("sync: done")
				for name, st := range marker.Artifacts {
					sum := st.Checksum
					if len(sum) > 12 {
						sum = sum[:12]
					}
					fmt.Printf("  %-9s %7d bytes  %s  %s\n", name, st.Size, sum, st.SyncedAt.Format("2006-01-02 15:04:05"))
				}
			default:
				fmt.Println("sync: pending (runs on next connect)")
			}
		}
	}

	store, err := session.NewStore()
	if err != nil {
		return nil
	}
	sessions, err := store.List()
	if err != nil || len(sessions) == 0 {
		fmt.Println("sessions: none recorded")
		return nil
	}
	fmt.Println("recent sessions:")
	for i, sess := range sessions {
		if i == 5 {
			break
		}
		end := "still open"
		if sess.EndedAt != nil {
			end = fmt.Sprintf("ended %s (%s)", sess.EndedAt.Format("2006-01-02 15:04:05"), sess.EndReason)
		}
		fmt.Printf("  %s  %s  started %s  %s\n",
			sess.ID[:8], sess.OwnerEndpoint, sess.StartedAt.Format("2006-01-02 15:04:05"), end)
	}
	return nil
}
