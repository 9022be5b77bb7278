// Package backend defines the contract every execution backend implements
// and the classified errors a run can resolve to.
package backend

import (
	"context"

	"github.com/seantiz/torque/task"
)

// Backend drives a task to completion on one execution substrate. Run blocks
// until the task reaches a terminal state and returns exactly one Outcome per
// execution step, in step order, or a classified *Error.
//
// Cancellation is cooperative: implementations observe ctx at their
// suspension points (poll ticks, call boundaries), attempt a best-effort
// teardown of the external unit of work, and resolve with KindCancelled.
// Implementations must not leak containers, services, remote jobs or temp
// files on any return path.
type Backend interface {
	Run(ctx context.Context, t *task.Task, res task.Resources) ([]Outcome, error)

	// Close releases long-lived backend resources (daemon connections, SSH
	// sessions). In-flight runs are not interrupted.
	Close() error
}

// Outcome is the captured result of one execution step.
type Outcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Success reports whether the step exited zero.
func (o Outcome) Success() bool { return o.ExitCode == 0 }
