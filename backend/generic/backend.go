package generic

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/seantiz/torque/backend"
	"github.com/seantiz/torque/task"
)

// killTimeout bounds the kill command issued while honoring a cancellation.
const killTimeout = 30 * time.Second

// Backend runs tasks through user-supplied submit/monitor/kill command
// templates.
type Backend struct {
	cfg    Config
	drv    driver
	jobID  *regexp.Regexp
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New validates cfg and initializes its driver. For the SSH locale this
// dials and authenticates the remote host, so an unreachable host fails
// here, at registration time.
func New(_ context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, &backend.Error{Kind: backend.KindBackendInit, Err: err}
	}

	var jobID *regexp.Regexp
	if cfg.JobIDRegex != "" {
		re, err := regexp.Compile(cfg.JobIDRegex)
		if err != nil {
			return nil, backend.Errorf(backend.KindBackendInit, "compiling job id regex: %w", err)
		}
		if re.NumSubexp() < 1 {
			return nil, backend.Errorf(backend.KindBackendInit, "job id regex %q needs a capture group", cfg.JobIDRegex)
		}
		jobID = re
	}

	var (
		drv driver
		err error
	)
	if cfg.SSH != nil {
		drv, err = dialSSH(cfg.SSH, cfg.shell(), logger)
		if err != nil {
			return nil, &backend.Error{Kind: backend.KindBackendInit, Err: err}
		}
	} else {
		drv = &localDriver{shell: cfg.shell(), logger: logger}
	}

	return &Backend{cfg: cfg, drv: drv, jobID: jobID, logger: logger}, nil
}

// Run drives every execution step of t sequentially through the configured
// templates.
func (b *Backend) Run(ctx context.Context, t *task.Task, res task.Resources) ([]backend.Outcome, error) {
	base := resourceValues(res)
	base["task_name"] = t.Name
	for k, v := range b.cfg.Attributes {
		if _, bound := base[k]; !bound {
			base[k] = v
		}
	}

	outcomes := make([]backend.Outcome, 0, len(t.Executions))
	for i := range t.Executions {
		outcome, err := b.runExecution(ctx, &t.Executions[i], base)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// runExecution submits one step and, when a job id regex is configured,
// tracks the job to a terminal state.
func (b *Backend) runExecution(ctx context.Context, ex *task.Execution, base map[string]string) (backend.Outcome, error) {
	// Images have no meaning without a container substrate.
	b.logger.Debug("generic backend ignores the execution image", "image", ex.Image)

	values := make(map[string]string, len(base)+2)
	for k, v := range base {
		values[k] = v
	}
	values["command"] = shellquote.Join(ex.Command()...)
	if ex.WorkDir != "" {
		values["cwd"] = ex.WorkDir
	}

	submitted, err := b.drv.run(ctx, resolveCommand(b.cfg.Submit, values))
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled before a job could be tracked; nothing to kill.
			return backend.Outcome{}, backend.Cancelled(nil)
		}
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit, "submit command failed: %w", err)
	}

	// Without a job id regex the task is synchronous: submit's own output is
	// the final result.
	if b.jobID == nil {
		return submitted, nil
	}

	match := b.jobID.FindSubmatch(submitted.Stdout)
	if len(match) < 2 {
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit,
			"job id regex %q did not match submit stdout %q", b.cfg.JobIDRegex, submitted.Stdout)
	}
	values["job_id"] = string(match[1])
	b.logger.Debug("job submitted", "task", values["task_name"], "job_id", values["job_id"])

	return b.monitor(ctx, values)
}

// monitor polls the monitor template until the job reaches a terminal state.
// An exit code of zero means the job is still active; the first non-zero
// exit ends the loop and that monitor invocation's own output is the result.
func (b *Backend) monitor(ctx context.Context, values map[string]string) (backend.Outcome, error) {
	command := resolveCommand(b.cfg.Monitor, values)
	frequency := b.cfg.monitorFrequency()

	for {
		outcome, err := b.drv.run(ctx, command)
		if err != nil {
			if ctx.Err() != nil {
				return backend.Outcome{}, b.cancel(values)
			}
			return backend.Outcome{}, backend.Errorf(backend.KindMonitor, "monitor command failed: %w", err)
		}
		if outcome.ExitCode != 0 {
			return outcome, nil
		}

		select {
		case <-time.After(frequency):
		case <-ctx.Done():
			return backend.Outcome{}, b.cancel(values)
		}
	}
}

// cancel runs the kill template exactly once and classifies the run as
// cancelled, attaching any teardown failure without overriding the
// classification.
func (b *Backend) cancel(values map[string]string) error {
	if b.cfg.Kill == "" {
		return backend.Cancelled(nil)
	}

	// The task's token is already cancelled; the kill command gets a fresh,
	// bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	var teardown error
	outcome, err := b.drv.run(ctx, resolveCommand(b.cfg.Kill, values))
	switch {
	case err != nil:
		teardown = fmt.Errorf("kill command failed: %w", err)
	case outcome.ExitCode != 0:
		teardown = fmt.Errorf("kill command exited %d: %s", outcome.ExitCode, outcome.Stderr)
	}
	if teardown != nil {
		b.logger.Warn("teardown after cancellation failed", "job_id", values["job_id"], "error", teardown)
	}
	return backend.Cancelled(teardown)
}

// Close releases the driver's long-lived resources (the SSH connection, for
// the remote locale).
func (b *Backend) Close() error {
	return b.drv.close()
}
