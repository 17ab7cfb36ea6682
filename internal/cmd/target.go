package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flapctl/flapctl/internal/artifacts"
	"github.com/flapctl/flapctl/internal/config"
	"github.com/flapctl/flapctl/internal/hardware"
	"github.com/flapctl/flapctl/internal/network"
	"github.com/flapctl/flapctl/internal/session"
	"github.com/flapctl/flapctl/internal/supervisor"
	"github.com/flapctl/flapctl/internal/target"
)

var targetListen string

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Run the device-side control endpoint",
	Long: `Run the control endpoint on the flap device.

The endpoint accepts one remote controller at a time. While a controller
owns the session the local decision logic is paused; it is restarted
whenever the session ends, including watchdog-forced shutdowns.

Examples:
  flapctl target
  flapctl target --listen :5580`,
	RunE: runTarget,
}

func init() {
	targetCmd.Flags().StringVar(&targetListen, "listen", "", "control listen address (default from config)")

	rootCmd.AddCommand(targetCmd)
}

func runTarget(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if targetListen == "" {
		targetListen = cfg.Target.Listen
	}

	policy, err := network.Parse(cfg.Target.AllowClaims)
	if err != nil {
		return fmt.Errorf("invalid allow_claims: %w", err)
	}

	var provider *artifacts.Provider
	if len(cfg.Target.Artifacts) > 0 {
		provider, err = artifacts.NewProvider(cfg.Target.Artifacts)
		if err != nil {
			return fmt.Errorf("invalid artifacts config: %w", err)
		}
	}

	var sup supervisor.Supervisor = supervisor.Nop{}
	if len(cfg.Target.FallbackStop) > 0 || len(cfg.Target.FallbackStart) > 0 {
		sup, err = supervisor.NewExecSupervisor(cfg.Target.FallbackStop, cfg.Target.FallbackStart, log)
		if err != nil {
			return fmt.Errorf("invalid fallback config: %w", err)
		}
	}

	store, err := session.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	hw := hardware.NewSimPort()
	mgr := session.NewManager(hw, sup, store, session.Config{
		SettleDelay:     cfg.Target.SettleDelay,
		WatchdogTimeout: cfg.Target.WatchdogTimeout,
	}, log)

	svc := target.New(targetListen, mgr, hw, provider, policy, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting target", "listen", targetListen)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
