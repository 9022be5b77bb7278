// Package docker runs task executions as containers. Against a plain daemon
// each execution is a standalone container the backend attaches to; when the
// daemon is an active swarm manager, executions become single-replica
// services so the cluster decides placement.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/torque/backend"
	"github.com/seantiz/torque/events"
	"github.com/seantiz/torque/task"
)

const (
	// DefaultServicePollInterval is the wait between swarm task state probes.
	DefaultServicePollInterval = time.Second

	// teardownTimeout bounds removals performed after cancellation.
	teardownTimeout = 30 * time.Second
)

// Config describes a docker backend instance.
type Config struct {
	// Host overrides the daemon endpoint. Empty means the DOCKER_* environment.
	Host string

	// KeepContainers leaves finished containers and services on the daemon
	// for inspection instead of removing them. Cancellation still removes
	// them unconditionally.
	KeepContainers bool

	// ServicePollInterval is the wait between swarm task state probes. Zero
	// means DefaultServicePollInterval.
	ServicePollInterval time.Duration
}

func (c *Config) pollInterval() time.Duration {
	if c.ServicePollInterval <= 0 {
		return DefaultServicePollInterval
	}
	return c.ServicePollInterval
}

// Backend runs containers through an API facade.
type Backend struct {
	api    API
	mode   Mode
	cfg    Config
	logger *slog.Logger
	bus    *events.Broadcaster
}

var _ backend.Backend = (*Backend)(nil)

// New connects to the daemon and determines its mode. bus may be nil to
// disable container events.
func New(ctx context.Context, cfg Config, logger *slog.Logger, bus *events.Broadcaster) (*Backend, error) {
	api, err := dialDaemon(cfg.Host)
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindBackendInit, Err: err}
	}
	return NewWithAPI(ctx, cfg, api, logger, bus)
}

// NewWithAPI builds a backend over an existing facade. The daemon's mode is
// queried once here and cached for the backend's lifetime.
func NewWithAPI(ctx context.Context, cfg Config, api API, logger *slog.Logger, bus *events.Broadcaster) (*Backend, error) {
	mode, err := api.Mode(ctx)
	if err != nil {
		return nil, backend.Errorf(backend.KindConnectivity, "probing daemon mode: %w", err)
	}
	if mode == ModeSwarmWorker {
		return nil, backend.Errorf(backend.KindBackendInit,
			"daemon is a swarm worker; only managers and standalone daemons can accept tasks")
	}

	logger.Info("docker backend ready", "mode", mode.String())
	return &Backend{api: api, mode: mode, cfg: cfg, logger: logger, bus: bus}, nil
}

// Run materializes the task's inputs and volumes, then drives each execution
// step to completion in order.
func (b *Backend) Run(ctx context.Context, t *task.Task, res task.Resources) ([]backend.Outcome, error) {
	binds, cleanup, err := b.materialize(t)
	if err != nil {
		return nil, backend.Errorf(backend.KindSubmit, "materializing inputs for %s: %w", t.Name, err)
	}
	defer cleanup()

	outcomes := make([]backend.Outcome, 0, len(t.Executions))
	for i := range t.Executions {
		ex := &t.Executions[i]
		name := fmt.Sprintf("%s-%d", t.Name, i)

		if err := b.ensureImage(ctx, ex.Image); err != nil {
			return nil, err
		}

		var outcome backend.Outcome
		if b.mode == ModeSwarmManager {
			outcome, err = b.runService(ctx, t.Name, name, ex, res, binds)
		} else {
			outcome, err = b.runContainer(ctx, t.Name, name, ex, res, binds)
		}
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Close releases the daemon connection.
func (b *Backend) Close() error {
	return b.api.Close()
}

// ensureImage pulls the image when the daemon does not have it.
func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	exists, err := b.api.ImageExists(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Cancelled(nil)
		}
		return backend.Errorf(backend.KindImageUnavailable, "checking image %s: %w", ref, err)
	}
	if exists {
		return nil
	}

	b.logger.Info("pulling image", "image", ref)
	if err := b.api.PullImage(ctx, ref); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-pull; nothing was created yet.
			return backend.Cancelled(nil)
		}
		return backend.Errorf(backend.KindImageUnavailable, "image %s: %w", ref, err)
	}
	return nil
}

// materialize turns the task's inputs and shared volumes into bind mounts.
// Literal contents and file URLs land in temp files; the returned cleanup
// removes everything created here.
func (b *Backend) materialize(t *task.Task) ([]string, func(), error) {
	var (
		binds   []string
		tmpDirs []string
	)
	cleanup := func() {
		for _, dir := range tmpDirs {
			if err := os.RemoveAll(dir); err != nil {
				b.logger.Warn("failed to remove staging directory", "dir", dir, "error", err)
			}
		}
	}

	stage := func(name string, content []byte) (string, error) {
		dir, err := os.MkdirTemp("", "torque-input-")
		if err != nil {
			return "", fmt.Errorf("creating staging directory: %w", err)
		}
		tmpDirs = append(tmpDirs, dir)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return "", fmt.Errorf("staging input: %w", err)
		}
		return path, nil
	}

	for _, vol := range t.Volumes {
		dir, err := os.MkdirTemp("", "torque-vol-")
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating shared volume: %w", err)
		}
		tmpDirs = append(tmpDirs, dir)
		binds = append(binds, dir+":"+vol)
	}

	for i := range t.Inputs {
		in := &t.Inputs[i]
		suffix := ""
		if in.IsReadOnly() {
			suffix = ":ro"
		}

		switch {
		case in.HostPath != "":
			binds = append(binds, in.HostPath+":"+in.Path+suffix)

		case in.Literal != nil:
			if in.Type == task.TypeDirectory {
				cleanup()
				return nil, nil, fmt.Errorf("input %s: literal contents cannot populate a directory", in.Path)
			}
			path, err := stage(filepath.Base(in.Path), in.Literal)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			binds = append(binds, path+":"+in.Path+suffix)

		case strings.HasPrefix(in.URL, "file://"):
			content, err := os.ReadFile(strings.TrimPrefix(in.URL, "file://"))
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("input %s: %w", in.Path, err)
			}
			path, err := stage(filepath.Base(in.Path), content)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			binds = append(binds, path+":"+in.Path+suffix)

		case in.URL != "":
			b.logger.Warn("skipping input with unsupported URL scheme", "path", in.Path, "url", in.URL)
		}
	}

	return binds, cleanup, nil
}

// runContainer drives one execution as a standalone container: create,
// attach, start, wait, remove. Output is demultiplexed while the container
// runs and surfaced line by line on the event bus.
func (b *Backend) runContainer(ctx context.Context, taskName, name string, ex *task.Execution, res task.Resources, binds []string) (backend.Outcome, error) {
	opts := ContainerOpts{
		Image:   ex.Image,
		Command: ex.Command(),
		Env:     envSlice(ex.Env),
		WorkDir: ex.WorkDir,
		Binds:   binds,
	}
	if res.CPULimit != nil {
		opts.NanoCPUs = nanoCPUs(*res.CPULimit)
	}
	if res.RamLimitGiB != nil {
		opts.MemoryBytes = gibToBytes(*res.RamLimitGiB)
	}

	id, err := b.api.CreateContainer(ctx, name, opts)
	if err != nil {
		if errors.Is(err, ErrNameConflict) {
			return backend.Outcome{}, &backend.Error{Kind: backend.KindNameConflict, Err: err}
		}
		if ctx.Err() != nil {
			return backend.Outcome{}, backend.Cancelled(nil)
		}
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit, "task %s: %w", taskName, err)
	}
	b.publish(events.Event{Type: events.TaskContainerCreated, Name: taskName, Container: name})

	// Attach before start so no early output is lost.
	stream, err := b.api.AttachContainer(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Outcome{}, backend.Cancelled(b.forceRemove(id))
		}
		b.remove(id)
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit, "task %s: %w", taskName, err)
	}

	var stdout, stderr bytes.Buffer
	outW := newLineWriter(&stdout, b.lineEmitter(events.TaskStdout, taskName, name))
	errW := newLineWriter(&stderr, b.lineEmitter(events.TaskStderr, taskName, name))

	demuxed := make(chan struct{})
	go func() {
		defer close(demuxed)
		if _, err := stdcopy.StdCopy(outW, errW, stream); err != nil {
			b.logger.Debug("output stream ended", "container", name, "error", err)
		}
		outW.flush()
		errW.flush()
	}()

	if err := b.api.StartContainer(ctx, id); err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return backend.Outcome{}, backend.Cancelled(b.forceRemove(id))
		}
		b.remove(id)
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit, "task %s: %w", taskName, err)
	}

	exitCode, err := b.api.WaitContainer(ctx, id)
	if err != nil {
		stream.Close()
		if ctx.Err() != nil {
			// Cancellation always removes the container, keep flag or not.
			return backend.Outcome{}, backend.Cancelled(b.forceRemove(id))
		}
		b.remove(id)
		return backend.Outcome{}, backend.Errorf(backend.KindExecution, "task %s: %w", taskName, err)
	}

	// The attach stream reaches EOF once the container exits.
	<-demuxed
	stream.Close()

	b.publish(events.Event{Type: events.TaskContainerExited, Name: taskName, Container: name, ExitCodes: []int{exitCode}})
	b.remove(id)

	return backend.Outcome{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// runService drives one execution as a single-replica service and polls its
// task until the scheduler reports a terminal state.
func (b *Backend) runService(ctx context.Context, taskName, name string, ex *task.Execution, res task.Resources, binds []string) (backend.Outcome, error) {
	opts := ServiceOpts{
		Image:   ex.Image,
		Command: ex.Command(),
		Env:     envSlice(ex.Env),
		WorkDir: ex.WorkDir,
		Binds:   binds,
	}
	if res.CPU != nil {
		opts.CPUReservation = nanoCPUs(*res.CPU)
	}
	if res.RamGiB != nil {
		opts.MemoryReservation = gibToBytes(*res.RamGiB)
	}
	if res.CPULimit != nil {
		opts.CPULimit = nanoCPUs(*res.CPULimit)
	}
	if res.RamLimitGiB != nil {
		opts.MemoryLimit = gibToBytes(*res.RamLimitGiB)
	}

	id, err := b.api.CreateService(ctx, name, opts)
	if err != nil {
		if errors.Is(err, ErrNameConflict) {
			return backend.Outcome{}, &backend.Error{Kind: backend.KindNameConflict, Err: err}
		}
		if ctx.Err() != nil {
			return backend.Outcome{}, backend.Cancelled(nil)
		}
		return backend.Outcome{}, backend.Errorf(backend.KindSubmit, "task %s: %w", taskName, err)
	}
	b.publish(events.Event{Type: events.TaskContainerCreated, Name: taskName, Container: name})

	var st ServiceTask
	for {
		st, err = b.api.ServiceTask(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return backend.Outcome{}, backend.Cancelled(b.forceRemoveService(id))
			}
			b.removeService(id)
			return backend.Outcome{}, backend.Errorf(backend.KindPoll, "task %s: %w", taskName, err)
		}
		if TerminalServiceStates[st.State] {
			break
		}

		select {
		case <-time.After(b.cfg.pollInterval()):
		case <-ctx.Done():
			return backend.Outcome{}, backend.Cancelled(b.forceRemoveService(id))
		}
	}

	if st.State == "rejected" || st.State == "orphaned" {
		// The task never ran, so there is no exit code to report.
		b.removeService(id)
		return backend.Outcome{}, backend.Errorf(backend.KindExecution,
			"task %s: service task %s: %s", taskName, st.State, st.Message)
	}

	// The task reached a terminal state; losing its output is a failure of
	// result extraction, not of execution.
	logs, err := b.api.ServiceLogs(ctx, id)
	if err != nil {
		b.removeService(id)
		return backend.Outcome{}, backend.Errorf(backend.KindResultExtraction,
			"task %s: reading service logs: %w", taskName, err)
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		b.logger.Debug("service log stream ended", "service", name, "error", err)
	}
	logs.Close()
	outcome := backend.Outcome{ExitCode: st.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	b.publish(events.Event{Type: events.TaskContainerExited, Name: taskName, Container: name, ExitCodes: []int{st.ExitCode}})
	b.removeService(id)

	return outcome, nil
}

// publish forwards an event; the broadcaster tolerates a nil receiver.
func (b *Backend) publish(ev events.Event) {
	b.bus.Publish(ev)
}

func (b *Backend) lineEmitter(eventType, taskName, container string) func(string) {
	if b.bus == nil {
		return nil
	}
	return func(line string) {
		b.publish(events.Event{Type: eventType, Name: taskName, Container: container, Message: line})
	}
}

// remove honors the keep flag for post-completion removal.
func (b *Backend) remove(id string) {
	if b.cfg.KeepContainers {
		return
	}
	if err := b.forceRemove(id); err != nil {
		b.logger.Warn("failed to remove container", "container", id, "error", err)
	}
}

func (b *Backend) forceRemove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	return b.api.RemoveContainer(ctx, id)
}

func (b *Backend) removeService(id string) {
	if b.cfg.KeepContainers {
		return
	}
	if err := b.forceRemoveService(id); err != nil {
		b.logger.Warn("failed to remove service", "service", id, "error", err)
	}
}

func (b *Backend) forceRemoveService(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	return b.api.RemoveService(ctx, id)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func nanoCPUs(cores float64) int64 {
	return int64(cores * 1e9)
}

func gibToBytes(gib float64) int64 {
	return int64(gib * 1024 * 1024 * 1024)
}
