package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

// newLogger builds the process logger; --debug lowers the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:   "flapctl",
	Short: "Flapctl - remote control for the cat flap",
	Long: `Flapctl links the cat flap to a remote controller over the local network.

Run on the flap device:
  flapctl target

Run on the controller:
  flapctl remote --host flap.local

One-shot artifact sync:
  flapctl sync --host flap.local

Local state:
  flapctl status`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.flapctl/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
