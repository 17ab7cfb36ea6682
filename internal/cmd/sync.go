package cmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/config"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/remote"
)

var (
	syncHost  string
	syncPort  int
	syncReset bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the one-shot artifact sync against a target",
	Long: `Pull a target's artifacts without claiming control.

The sync normally runs once per pairing; after that the persisted marker
makes it a no-op. --reset discards the marker so the next sync (here or
on connect) fetches everything again.

Examples:
  flapctl sync --host flap.local
  flapctl sync --host flap.local --reset`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncHost, "host", "", "target host (default from config)")
	syncCmd.Flags().IntVar(&syncPort, "port", 0, "target control port (default from config)")
	syncCmd.Flags().BoolVar(&syncReset, "reset", false, "forget the sync marker and fetch again")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if syncHost == "" {
		syncHost = cfg.Remote.Host
	}
	if syncHost == "" {
		return fmt.Errorf("no target host: pass --host or set remote.host in config")
	}
	if syncPort == 0 {
		syncPort = cfg.Remote.Port
	}
	addr := net.JoinHostPort(syncHost, fmt.Sprintf("%d", syncPort))

	markers, err := artifacts.NewMarkerStore()
	if err != nil {
		return fmt.Errorf("failed to open sync markers: %w", err)
	}
	if syncReset {
		if err := markers.Delete(addr); err != nil {
			return fmt.Errorf("failed to reset marker: %w", err)
		}
		fmt.Printf("sync marker for %s cleared\n", addr)
	}

	syncer, err := artifacts.NewSyncer(markers, cfg.Remote.Sync.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to set up sync: %w", err)
	}
	manifest, err := artifacts.NewManifest(cfg.Remote.Sync.Include())
	if err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}

	needed, err := syncer.Needed(addr)
	if err != nil {
		return err
	}
	if !needed {
		fmt.Printf("%s already synced, nothing to do\n", addr)
		return nil
	}

	src, closeConn, err := dialSyncSource(cfg, addr)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := syncer.Sync(cmd.Context(), addr, manifest, src); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	for _, name := range manifest.Included() {
		fmt.Printf("synced %s -> %s\n", name, syncer.Path(name))
	}
	return nil
}

// dialSyncSource opens a control connection just far enough to stream
// artifacts: handshake, no claim.
func dialSyncSource(cfg *config.Config, addr string) (artifacts.Source, func(), error) {
	dialer := net.Dialer{Timeout: cfg.Remote.DialTimeout}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial target: %w", err)
	}
	pc := protocol.NewConn(nc)

	if err := pc.SendPayload(protocol.TypeHello, "", &protocol.Hello{ProtocolVersion: protocol.Version}); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	f, err := pc.Recv()
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("waiting for hello ack: %w", err)
	}
	if f.Type != protocol.TypeHelloAck {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("target refused handshake (%s)", f.Type)
	}

	return remote.SyncSource(pc), func() { _ = pc.Close() }, nil
}
