package generic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/seantiz/torque/backend"
)

// envPath locates the env binary used to resolve the configured shell.
const envPath = "/usr/bin/env"

// driver executes a composed command string within a locale and captures its
// output. Implementations are safe for concurrent use by multiple in-flight
// tasks.
type driver interface {
	run(ctx context.Context, command string) (backend.Outcome, error)
	close() error
}

// localDriver spawns commands as child processes.
type localDriver struct {
	shell  string
	logger *slog.Logger
}

func (d *localDriver) run(ctx context.Context, command string) (backend.Outcome, error) {
	d.logger.Debug("executing local command", "command", command)

	cmd := exec.CommandContext(ctx, envPath, d.shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outcome := backend.Outcome{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		outcome.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return outcome, ctx.Err()
	default:
		return outcome, fmt.Errorf("spawning local command: %w", err)
	}

	return outcome, nil
}

func (d *localDriver) close() error { return nil }
