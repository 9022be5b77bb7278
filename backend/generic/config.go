// Package generic implements a command-driven execution backend. The
// backend is shaped entirely by three user-supplied command templates
// (submit, monitor, kill) executed through a configured shell, either as
// local processes or over SSH, which makes it adaptable to schedulers like
// LSF or Slurm without writing Go code.
package generic

import (
	"fmt"
	"time"
)

// Shells a driver may execute commands with.
const (
	ShellBash = "bash"
	ShellSh   = "sh"
)

// DefaultMonitorFrequency is the wait between monitor commands when the
// configuration does not specify one.
const DefaultMonitorFrequency = 5 * time.Second

// DefaultSSHPort is used when an SSH locale omits the port.
const DefaultSSHPort = 22

// Config describes a generic backend instance.
type Config struct {
	// Submit is the command template used for job submission.
	Submit string

	// JobIDRegex extracts the job id from submit's stdout; its first capture
	// group is the id. When empty the submit command is treated as
	// synchronous and its own output is the final result.
	JobIDRegex string

	// Monitor is the command template polled while a job is tracked. Exit
	// code zero means the job is still active; any non-zero exit means the
	// job reached a terminal state, and the monitor command's own
	// stdout/stderr/exit code become the task's result. This mirrors the
	// submit/monitor contract of batch schedulers, where the tracked job's
	// native output is only reachable through whatever the monitor script
	// chooses to print.
	Monitor string

	// MonitorFrequency is the wait between monitor commands. Zero means
	// DefaultMonitorFrequency.
	MonitorFrequency time.Duration

	// Kill is the command template run once when a tracked job is cancelled.
	Kill string

	// Shell runs the composed commands: ShellBash (default) or ShellSh.
	Shell string

	// SSH selects the remote locale. Nil means commands spawn as local
	// processes.
	SSH *SSHConfig

	// Attributes are backend-configured substitution values available to all
	// three templates in addition to the built-in placeholder set.
	Attributes map[string]string
}

func (c *Config) validate() error {
	if c.Submit == "" {
		return fmt.Errorf("generic backend requires a submit command")
	}
	switch c.Shell {
	case "", ShellBash, ShellSh:
	default:
		return fmt.Errorf("unsupported shell %q", c.Shell)
	}
	if c.JobIDRegex != "" && c.Monitor == "" {
		return fmt.Errorf("a job id regex requires a monitor command")
	}
	return nil
}

func (c *Config) shell() string {
	if c.Shell == "" {
		return ShellBash
	}
	return c.Shell
}

func (c *Config) monitorFrequency() time.Duration {
	if c.MonitorFrequency <= 0 {
		return DefaultMonitorFrequency
	}
	return c.MonitorFrequency
}

// SSHConfig describes the remote locale of a driver. Authentication is via
// the ambient SSH agent only; there is no password or key-file support.
type SSHConfig struct {
	// Host to connect to. Required.
	Host string

	// Port defaults to DefaultSSHPort.
	Port int

	// User defaults to the current OS user.
	User string

	// MaxSessionAttempts bounds session-open retries on a live connection.
	// Zero means a small default.
	MaxSessionAttempts int
}
