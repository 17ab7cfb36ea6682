// Package supervisor is the narrow port to the process supervisor that owns
// the local autonomous flap service. The core never supervises processes
// itself; it only asks for the service to be stopped when a remote claims
// control and started again on release.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Supervisor controls the local autonomous fallback. After Start returns the
// device must be able to make entry/exit decisions from local data alone.
type Supervisor interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// ExecSupervisor shells out to configured stop/start commands, typically
// `systemctl stop flapd` / `systemctl start flapd` on the device.
type ExecSupervisor struct {
	stopArgs  []string
	startArgs []string
	log       *slog.Logger
}

// NewExecSupervisor builds a supervisor from command argument vectors.
func NewExecSupervisor(stopArgs, startArgs []string, log *slog.Logger) (*ExecSupervisor, error) {
	if len(stopArgs) == 0 || len(startArgs) == 0 {
		return nil, fmt.Errorf("supervisor stop and start commands must both be configured")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecSupervisor{stopArgs: stopArgs, startArgs: startArgs, log: log}, nil
}

// Stop halts the local autonomous service.
func (s *ExecSupervisor) Stop(ctx context.Context) error {
	return s.run(ctx, "stop", s.stopArgs)
}

// Start resumes the local autonomous service.
func (s *ExecSupervisor) Start(ctx context.Context) error {
	return s.run(ctx, "start", s.startArgs)
}

func (s *ExecSupervisor) run(ctx context.Context, action string, args []string) error {
	s.log.Info("supervisor command", "action", action, "cmd", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("supervisor %s failed: %w (output: %s)", action, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Nop is a Supervisor that does nothing, for targets running without a local
// fallback service (bench setups, tests).
type Nop struct{}

func (Nop) Stop(ctx context.Context) error  { return nil }
func (Nop) Start(ctx context.Context) error { return nil }
