package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/config"
	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/protocol"
	"github.com/flapctl/flapctl/internal/remote"
)

var (
	remoteHost  string
	remotePort  int
	remoteWatch bool
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Run the controller side of the flap link",
	Long: `Connect to a flap target, take over control, and keep the session alive.

On the first connection to a target its artifacts (event database, config,
trained model) are pulled once before control is claimed.

Commands are read from stdin, one per line:
  lock_inner | unlock_inner | lock_outer | unlock_outer
  rfid_power_on | rfid_power_off | rfid_read_start | rfid_read_stop
  release | quit

Examples:
  flapctl remote --host flap.local
  flapctl remote --host 10.0.0.12 --port 5580`,
	RunE: runRemote,
}

func init() {
	remoteCmd.Flags().StringVar(&remoteHost, "host", "", "target host (default from config)")
	remoteCmd.Flags().IntVar(&remotePort, "port", 0, "target control port (default from config)")
	remoteCmd.Flags().BoolVar(&remoteWatch, "watch", false, "telemetry only, don't read commands from stdin")

	rootCmd.AddCommand(remoteCmd)
}

func runRemote(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if remoteHost == "" {
		remoteHost = cfg.Remote.Host
	}
	if remoteHost == "" {
		return fmt.Errorf("no target host: pass --host or set remote.host in config")
	}
	if remotePort == 0 {
		remotePort = cfg.Remote.Port
	}

	client, err := buildClient(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = client.Run(ctx) }()

	go func() {
		for snap := range client.Telemetry() {
			fmt.Printf("telemetry: inner=%s outer=%s rfid_power=%v motion=%v/%v",
				snap.InnerLock, snap.OuterLock, snap.RFIDPower, snap.InnerMotion, snap.OuterMotion)
			if snap.LastRFID.Tag != "" {
				fmt.Printf(" tag=%s", snap.LastRFID.Tag)
			}
			fmt.Println()
		}
	}()

	if remoteWatch {
		<-ctx.Done()
		return nil
	}

	return commandLoop(ctx, client)
}

// buildClient assembles the client with its initial-sync runner from config.
func buildClient(cfg *config.Config, log *slog.Logger) (*remote.Client, error) {
	markers, err := artifacts.NewMarkerStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open sync markers: %w", err)
	}
	syncer, err := artifacts.NewSyncer(markers, cfg.Remote.Sync.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sync: %w", err)
	}
	manifest, err := artifacts.NewManifest(cfg.Remote.Sync.Include())
	if err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	return remote.New(remote.Config{
		Host:              remoteHost,
		Port:              remotePort,
		Endpoint:          cfg.Remote.Endpoint,
		HeartbeatInterval: cfg.Remote.HeartbeatInterval,
		AckTimeout:        cfg.Remote.AckTimeout,
		DialTimeout:       cfg.Remote.DialTimeout,
		Backoff: remote.BackoffConfig{
			Initial: cfg.Remote.Backoff.Initial,
			Max:     cfg.Remote.Backoff.Max,
			Jitter:  cfg.Remote.Backoff.Jitter,
		},
	}, syncer, manifest, log), nil
}

// commandLoop reads commands from stdin and sends them on the session.
func commandLoop(ctx context.Context, client *remote.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit":
			_ = client.Release(protocol.ReasonOperator)
			return nil
		case "release":
			if err := client.Release(protocol.ReasonOperator); err != nil {
				fmt.Printf("release failed: %v\n", err)
			}
			continue
		}

		kind := hardware.CommandKind(line)
		if !hardware.ValidKind(kind) {
			fmt.Printf("unknown command %q\n", line)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		delta, err := client.Send(cctx, kind)
		cancel()
		if err != nil {
			fmt.Printf("rejected: %v\n", err)
			continue
		}
		if len(delta) == 0 {
			fmt.Println("ok (no change)")
			continue
		}
		for _, ch := range delta {
			fmt.Printf("ok: %s %s -> %s\n", ch.Field, ch.From, ch.To)
		}
	}
	return scanner.Err()
}
