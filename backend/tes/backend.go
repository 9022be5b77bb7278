// Package tes runs tasks on a remote GA4GH Task Execution Service. The
// backend converts tasks to TES documents, submits them over HTTP, polls
// until the service reports a terminal state and extracts one outcome per
// executor from the task logs.
package tes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/seantiz/torque/backend"
	"github.com/seantiz/torque/task"
)

const (
	// DefaultPollInterval is the wait between task state probes.
	DefaultPollInterval = 500 * time.Millisecond

	// cancelSettleTimeout bounds how long to keep polling after a cancel
	// request before giving up on confirmation.
	cancelSettleTimeout = time.Minute
)

// Config describes a TES backend instance.
type Config struct {
	// URL is the service root, e.g. "https://tes.example.org/v1". Required.
	URL string

	// Username and Password enable HTTP basic auth.
	Username string
	Password string

	// Token enables bearer auth and takes precedence over basic auth.
	Token string

	// PollInterval is the wait between state probes. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// MaxRetries is the transient-failure budget per request. Zero means a
	// small default; negative disables retries.
	MaxRetries int
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// Backend submits tasks to a TES service.
type Backend struct {
	cfg    Config
	client *client
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New builds the client and verifies the service is reachable via its
// service-info document.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, backend.Errorf(backend.KindBackendInit, "tes backend requires a service URL")
	}
	c, err := newClient(&cfg, logger)
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindBackendInit, Err: err}
	}

	info, err := c.serviceInfo(ctx)
	if err != nil {
		return nil, backend.Errorf(backend.KindConnectivity, "service unreachable: %w", err)
	}
	logger.Info("tes backend ready", "url", cfg.URL, "service", info.Name)

	return &Backend{cfg: cfg, client: c, logger: logger}, nil
}

// Run submits t and follows it to a terminal state.
func (b *Backend) Run(ctx context.Context, t *task.Task, res task.Resources) ([]backend.Outcome, error) {
	doc, err := convert(t, res)
	if err != nil {
		return nil, err
	}

	id, err := b.client.createTask(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backend.Cancelled(nil)
		}
		return nil, backend.Errorf(backend.KindSubmit, "task %s: %w", t.Name, err)
	}
	b.logger.Debug("task submitted", "task", t.Name, "tes_id", id)

	state, cancelled, err := b.poll(ctx, id)
	if err != nil {
		return nil, err
	}

	if cancelled || state == StateCanceled {
		return nil, backend.Cancelled(nil)
	}
	if state == StateSystemError {
		return nil, backend.Errorf(backend.KindExecution, "task %s: service reported a system error", t.Name)
	}

	return b.extract(ctx, t, id)
}

// Close is a no-op; the backend holds no long-lived connections.
func (b *Backend) Close() error { return nil }

// poll probes the task state until it is terminal. When ctx is cancelled a
// cancel request is issued once and polling continues on a fresh context
// until the service confirms.
func (b *Backend) poll(ctx context.Context, id string) (state State, cancelled bool, err error) {
	for {
		t, err := b.client.getTask(ctx, id, viewMinimal)
		if err != nil {
			if ctx.Err() != nil && !cancelled {
				return b.cancelAndSettle(id)
			}
			return "", cancelled, backend.Errorf(backend.KindPoll, "task %s: %w", id, err)
		}
		if t.State.Terminal() {
			return t.State, cancelled, nil
		}

		select {
		case <-time.After(b.cfg.pollInterval()):
		case <-ctx.Done():
			return b.cancelAndSettle(id)
		}
	}
}

// cancelAndSettle asks the service to cancel the task, then waits for it to
// reach a terminal state so the classification reflects what actually ran.
func (b *Backend) cancelAndSettle(id string) (State, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSettleTimeout)
	defer cancel()

	if err := b.client.cancelTask(ctx, id); err != nil {
		return "", true, backend.Cancelled(fmt.Errorf("cancel request failed: %w", err))
	}

	for {
		t, err := b.client.getTask(ctx, id, viewMinimal)
		if err != nil {
			return "", true, backend.Cancelled(fmt.Errorf("confirming cancellation: %w", err))
		}
		if t.State.Terminal() {
			return t.State, true, nil
		}
		select {
		case <-time.After(b.cfg.pollInterval()):
		case <-ctx.Done():
			return "", true, backend.Cancelled(errors.New("cancellation not confirmed in time"))
		}
	}
}

// extract fetches the full task document and maps the latest attempt's
// executor logs to outcomes, one per executor in order.
func (b *Backend) extract(ctx context.Context, t *task.Task, id string) ([]backend.Outcome, error) {
	full, err := b.client.getTask(ctx, id, viewFull)
	if err != nil {
		return nil, backend.Errorf(backend.KindResultExtraction, "task %s: %w", t.Name, err)
	}
	if len(full.Logs) == 0 {
		return nil, backend.Errorf(backend.KindResultExtraction, "task %s: service returned no task logs", t.Name)
	}

	attempt := full.Logs[len(full.Logs)-1]
	if len(attempt.Logs) < len(t.Executions) {
		return nil, backend.Errorf(backend.KindResultExtraction,
			"task %s: %d executor logs for %d executions", t.Name, len(attempt.Logs), len(t.Executions))
	}

	outcomes := make([]backend.Outcome, 0, len(t.Executions))
	for _, l := range attempt.Logs[:len(t.Executions)] {
		outcomes = append(outcomes, backend.Outcome{
			ExitCode: l.ExitCode,
			Stdout:   []byte(l.Stdout),
			Stderr:   []byte(l.Stderr),
		})
	}
	return outcomes, nil
}

// convert maps a task and its effective resources onto a TES document.
// Host-path and literal inputs are inlined as UTF-8 content since the remote
// service cannot reach this host's filesystem.
func convert(t *task.Task, res task.Resources) (*Task, error) {
	doc := &Task{
		Name:        t.Name,
		Description: t.Description,
		Volumes:     append([]string(nil), t.Volumes...),
	}

	for i := range t.Inputs {
		in := &t.Inputs[i]
		ti := Input{
			Name:        in.Name,
			Description: in.Description,
			Path:        in.Path,
			Type:        contentType(in.Type),
		}
		switch {
		case in.HostPath != "":
			content, err := os.ReadFile(in.HostPath)
			if err != nil {
				return nil, backend.Errorf(backend.KindSubmit, "input %s: %w", in.Path, err)
			}
			if !utf8.Valid(content) {
				return nil, backend.Errorf(backend.KindSubmit,
					"input %s: contents of %s are not valid UTF-8 and cannot be inlined", in.Path, in.HostPath)
			}
			ti.Content = string(content)
		case in.Literal != nil:
			if !utf8.Valid(in.Literal) {
				return nil, backend.Errorf(backend.KindSubmit,
					"input %s: literal contents are not valid UTF-8 and cannot be inlined", in.Path)
			}
			ti.Content = string(in.Literal)
		case in.URL != "":
			ti.URL = in.URL
		}
		doc.Inputs = append(doc.Inputs, ti)
	}

	for i := range t.Outputs {
		out := &t.Outputs[i]
		doc.Outputs = append(doc.Outputs, Output{
			Name:        out.Name,
			Description: out.Description,
			Path:        out.Path,
			URL:         out.URL,
			Type:        contentType(out.Type),
		})
	}

	for i := range t.Executions {
		ex := &t.Executions[i]
		doc.Executors = append(doc.Executors, Executor{
			Image:   ex.Image,
			Command: ex.Command(),
			Workdir: ex.WorkDir,
			Stdin:   ex.Stdin,
			Stdout:  ex.Stdout,
			Stderr:  ex.Stderr,
			Env:     ex.Env,
		})
	}

	// cpu_limit and ram_limit have no TES equivalent and are dropped.
	r := &Resources{Zones: append([]string(nil), res.Zones...)}
	if res.CPU != nil {
		r.CPUCores = int64(*res.CPU)
	}
	if res.RamGiB != nil {
		r.RamGB = *res.RamGiB
	}
	if res.DiskGiB != nil {
		r.DiskGB = *res.DiskGiB
	}
	if res.Preemptible != nil {
		r.Preemptible = *res.Preemptible
	}
	doc.Resources = r

	return doc, nil
}

func contentType(t string) string {
	if t == task.TypeDirectory {
		return fileTypeDirectory
	}
	return fileTypeFile
}
