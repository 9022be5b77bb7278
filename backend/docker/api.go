package docker

import (
	"context"
	"errors"
	"io"
)

// Mode is the daemon's cluster role, queried once at backend construction.
type Mode int

const (
	// ModeStandalone runs tasks as plain containers on the local daemon.
	ModeStandalone Mode = iota

	// ModeSwarmManager runs tasks as single-replica services so the cluster
	// places them.
	ModeSwarmManager

	// ModeSwarmWorker cannot accept work; only managers may create services.
	ModeSwarmWorker
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "standalone"
	case ModeSwarmManager:
		return "swarm-manager"
	case ModeSwarmWorker:
		return "swarm-worker"
	default:
		return "unknown"
	}
}

// ErrNameConflict reports that a container or service name is already in use
// on the daemon.
var ErrNameConflict = errors.New("name already in use")

// ContainerOpts describes one standalone container.
type ContainerOpts struct {
	Image   string
	Command []string
	Env     []string
	WorkDir string
	Binds   []string

	// NanoCPUs and MemoryBytes are hard limits; zero means unlimited.
	NanoCPUs    int64
	MemoryBytes int64
}

// ServiceOpts describes one single-replica swarm service.
type ServiceOpts struct {
	Image   string
	Command []string
	Env     []string
	WorkDir string
	Binds   []string

	// Reservations gate placement; limits cap usage. Zero means unset.
	CPUReservation    int64
	MemoryReservation int64
	CPULimit          int64
	MemoryLimit       int64
}

// ServiceTask is the observed state of a service's task.
type ServiceTask struct {
	// State is the swarm task state string ("running", "complete", ...).
	State string

	// ExitCode is meaningful once the task has terminated.
	ExitCode int

	// Message carries the daemon's error detail for failed placements.
	Message string
}

// TerminalServiceStates are the swarm task states that end polling.
var TerminalServiceStates = map[string]bool{
	"complete": true,
	"failed":   true,
	"shutdown": true,
	"rejected": true,
	"orphaned": true,
	"remove":   true,
}

// API is the slice of the container engine this backend needs. The production
// implementation wraps the Docker SDK client; tests substitute a fake.
//
// Attach and log streams use the engine's multiplexed framing and must be
// demultiplexed with stdcopy.
type API interface {
	Mode(ctx context.Context) (Mode, error)

	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, name string, opts ContainerOpts) (string, error)
	AttachContainer(ctx context.Context, id string) (io.ReadCloser, error)
	StartContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int, error)
	RemoveContainer(ctx context.Context, id string) error

	CreateService(ctx context.Context, name string, opts ServiceOpts) (string, error)
	ServiceTask(ctx context.Context, serviceID string) (ServiceTask, error)
	ServiceLogs(ctx context.Context, serviceID string) (io.ReadCloser, error)
	RemoveService(ctx context.Context, serviceID string) error

	Close() error
}
