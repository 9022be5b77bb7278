// Package engine dispatches tasks to named execution backends under
// per-backend concurrency limits. Consumers register backends, spawn tasks
// against them, and await the returned handles; the engine provides
// mechanism only and leaves orchestration policy to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/torque/backend"
	"github.com/seantiz/torque/backend/docker"
	"github.com/seantiz/torque/backend/generic"
	"github.com/seantiz/torque/backend/tes"
	"github.com/seantiz/torque/events"
	"github.com/seantiz/torque/task"
)

// expectedTaskNames sizes the task name generator.
const expectedTaskNames = 4096

// recordTimeout bounds how long a terminal-state write to the recorder may
// take.
const recordTimeout = 5 * time.Second

var (
	// ErrUnknownBackend is returned by Spawn for an unregistered backend name.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrDuplicateBackend is returned by Register when the name is taken.
	ErrDuplicateBackend = errors.New("backend already registered")
)

// Recorder receives finished task records. Implementations must be safe for
// concurrent use; a nil Recorder disables recording.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Record describes one finished task.
type Record struct {
	ID         string
	Name       string
	Backend    string
	Status     string
	ExitCodes  []int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// BackendConfig describes one named backend instance. Exactly one of Docker,
// Generic or TES must be set.
type BackendConfig struct {
	// Name uniquely identifies the backend instance.
	Name string

	// MaxTasks caps how many tasks run concurrently on this backend.
	// Required, > 0.
	MaxTasks int

	// Defaults are backend-level resource defaults applied to tasks that do
	// not specify their own values.
	Defaults *task.Resources

	Docker  *docker.Config
	Generic *generic.Config
	TES     *tes.Config
}

func (c *BackendConfig) validate() error {
	if c.Name == "" {
		return errors.New("backend name is required")
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("backend %q: max tasks must be positive, got %d", c.Name, c.MaxTasks)
	}
	kinds := 0
	for _, set := range []bool{c.Docker != nil, c.Generic != nil, c.TES != nil} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return fmt.Errorf("backend %q: exactly one backend kind must be configured, got %d", c.Name, kinds)
	}
	return nil
}

// runner pairs a backend instance with its concurrency permits and defaults.
type runner struct {
	name     string
	backend  backend.Backend
	permits  *semaphore.Weighted
	defaults *task.Resources
}

// Engine owns backend instances and enforces their concurrency caps.
type Engine struct {
	logger   *slog.Logger
	bus      *events.Broadcaster
	recorder Recorder
	names    *nameGenerator
	wg       sync.WaitGroup

	mu      sync.RWMutex
	runners map[string]*runner
}

// New creates an engine. recorder may be nil to disable outcome recording.
func New(logger *slog.Logger, recorder Recorder) *Engine {
	return &Engine{
		logger:   logger,
		bus:      events.NewBroadcaster(),
		recorder: recorder,
		names:    newNameGenerator(expectedTaskNames),
		runners:  make(map[string]*runner),
	}
}

// Events returns the engine's lifecycle broadcaster for subscription.
func (e *Engine) Events() *events.Broadcaster {
	return e.bus
}

// Register constructs and validates the backend described by cfg and adds it
// under cfg.Name. Construction reaches out to the underlying facility (the
// container daemon, SSH host or service endpoint); failures surface as
// backend-init errors and nothing is registered.
func (e *Engine) Register(ctx context.Context, cfg BackendConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, taken := e.runners[cfg.Name]; taken {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateBackend, cfg.Name)
	}
	// Hold the slot while constructing so a concurrent Register of the same
	// name fails instead of racing.
	e.runners[cfg.Name] = nil
	e.mu.Unlock()

	var (
		b   backend.Backend
		err error
	)
	switch {
	case cfg.Docker != nil:
		b, err = docker.New(ctx, *cfg.Docker, e.logger, e.bus)
	case cfg.Generic != nil:
		b, err = generic.New(ctx, *cfg.Generic, e.logger)
	case cfg.TES != nil:
		b, err = tes.New(ctx, *cfg.TES, e.logger)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		delete(e.runners, cfg.Name)
		if backend.KindOf(err) == 0 {
			err = &backend.Error{Kind: backend.KindBackendInit, Err: err}
		}
		return fmt.Errorf("register backend %q: %w", cfg.Name, err)
	}

	e.runners[cfg.Name] = &runner{
		name:     cfg.Name,
		backend:  b,
		permits:  semaphore.NewWeighted(int64(cfg.MaxTasks)),
		defaults: cfg.Defaults,
	}
	e.logger.Info("backend registered", "backend", cfg.Name, "max_tasks", cfg.MaxTasks)
	return nil
}

// Add registers an already-constructed backend under name. It is the
// extension point for backend implementations living outside this module;
// Register is a convenience over it for the built-in kinds.
func (e *Engine) Add(name string, b backend.Backend, maxTasks int, defaults *task.Resources) error {
	if name == "" {
		return errors.New("backend name is required")
	}
	if maxTasks <= 0 {
		return fmt.Errorf("backend %q: max tasks must be positive, got %d", name, maxTasks)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.runners[name]; taken {
		return fmt.Errorf("%w: %q", ErrDuplicateBackend, name)
	}
	e.runners[name] = &runner{
		name:     name,
		backend:  b,
		permits:  semaphore.NewWeighted(int64(maxTasks)),
		defaults: defaults,
	}
	return nil
}

// Runners lists registered backend names, sorted for stable output.
func (e *Engine) Runners() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.runners))
	for name, r := range e.runners {
		if r != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Spawn resolves effective resources for t, assigns a generated name if the
// task is unnamed, and begins driving it on the named backend. The returned
// handle resolves once with either one outcome per execution step, in order,
// or a single classified failure.
//
// ctx is the task's cancellation token: cancelling it is observed at the
// backend's next suspension point and resolves the handle with a cancelled
// classification after best-effort teardown. Dropping the handle does not
// cancel the task.
func (e *Engine) Spawn(ctx context.Context, backendName string, t *task.Task) (*TaskHandle, error) {
	e.mu.RLock()
	r := e.runners[backendName]
	e.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendName)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("spawn on %q: %w", backendName, err)
	}

	// The run operates on a copy so the caller's task stays untouched.
	run := *t
	if run.Name == "" {
		run.Name = e.names.Next()
	}
	res := task.ResolveResources(r.defaults, run.Resources)

	h := &TaskHandle{
		ID:       ulid.Make().String(),
		Name:     run.Name,
		Backend:  backendName,
		resolved: make(chan struct{}),
	}

	e.logger.Debug("task spawned", "task", run.Name, "backend", backendName, "id", h.ID)
	e.bus.Publish(events.Event{Type: events.TaskCreated, ID: h.ID, Name: run.Name, Backend: backendName})

	e.wg.Go(func() {
		e.execute(ctx, r, &run, res, h)
	})

	return h, nil
}

// Wait blocks until every in-flight task has resolved.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close waits for in-flight tasks, stops event delivery and releases every
// backend's long-lived resources.
func (e *Engine) Close() error {
	e.wg.Wait()
	e.bus.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, r := range e.runners {
		if r == nil {
			continue
		}
		if err := r.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %q: %w", name, err))
		}
		delete(e.runners, name)
	}
	return errors.Join(errs...)
}

// execute drives one task: acquire a permit, run the backend, classify the
// result, and resolve the handle. The permit is released exactly once on
// every exit path.
func (e *Engine) execute(ctx context.Context, r *runner, t *task.Task, res task.Resources, h *TaskHandle) {
	waitStart := time.Now()
	if err := r.permits.Acquire(ctx, 1); err != nil {
		// Cancelled while waiting for a permit; no work ever started.
		e.finish(h, time.Now(), nil, backend.Cancelled(nil))
		return
	}
	defer r.permits.Release(1)
	permitWait.WithLabelValues(r.name).Observe(time.Since(waitStart).Seconds())

	activeTasks.WithLabelValues(r.name).Inc()
	defer activeTasks.WithLabelValues(r.name).Dec()

	start := time.Now()
	e.bus.Publish(events.Event{Type: events.TaskStarted, ID: h.ID, Name: t.Name, Backend: r.name})

	outcomes, err := r.backend.Run(ctx, t, res)

	taskDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	e.finish(h, start, outcomes, err)
}

// finish resolves the handle, emits the terminal event, bumps metrics, and
// hands the record to the recorder.
func (e *Engine) finish(h *TaskHandle, start time.Time, outcomes []backend.Outcome, err error) {
	rec := Record{
		ID:         h.ID,
		Name:       h.Name,
		Backend:    h.Backend,
		StartedAt:  start.UTC(),
		FinishedAt: time.Now().UTC(),
	}

	switch {
	case err == nil:
		rec.Status = StatusCompleted
		for _, o := range outcomes {
			rec.ExitCodes = append(rec.ExitCodes, o.ExitCode)
		}
		e.bus.Publish(events.Event{Type: events.TaskCompleted, ID: h.ID, Name: h.Name, Backend: h.Backend, ExitCodes: rec.ExitCodes})
	case backend.IsCancelled(err):
		rec.Status = StatusCancelled
		rec.Error = err.Error()
		e.bus.Publish(events.Event{Type: events.TaskCancelled, ID: h.ID, Name: h.Name, Backend: h.Backend})
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
		e.logger.Error("task failed", "task", h.Name, "backend", h.Backend, "error", err)
		e.bus.Publish(events.Event{Type: events.TaskFailed, ID: h.ID, Name: h.Name, Backend: h.Backend, Message: err.Error()})
	}
	tasksTotal.WithLabelValues(h.Backend, rec.Status).Inc()

	if e.recorder != nil {
		// Record with a fresh context; the task's token may already be
		// cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if recErr := e.recorder.Record(ctx, rec); recErr != nil {
			e.logger.Error("failed to record task outcome", "task", h.Name, "error", recErr)
		}
	}

	h.resolve(outcomes, err)
}

// TaskHandle is the awaitable result of one Spawn call. It resolves exactly
// once; Wait may be called from multiple goroutines.
type TaskHandle struct {
	// ID is the engine-assigned spawn id (distinct from the task name).
	ID string
	// Name is the effective task name, generated when the task was unnamed.
	Name string
	// Backend is the name of the backend the task was spawned on.
	Backend string

	resolved chan struct{}
	outcomes []backend.Outcome
	err      error
}

func (h *TaskHandle) resolve(outcomes []backend.Outcome, err error) {
	h.outcomes = outcomes
	h.err = err
	close(h.resolved)
}

// Wait blocks until the task resolves or ctx is done. ctx here only bounds
// the wait itself; it does not cancel the task.
func (h *TaskHandle) Wait(ctx context.Context) ([]backend.Outcome, error) {
	select {
	case <-h.resolved:
		return h.outcomes, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task resolves.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.resolved
}
