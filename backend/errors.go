package backend

import (
	"errors"
	"fmt"
)

// Kind classifies a task run failure.
type Kind int

const (
	// KindBackendInit: the backend could not be constructed or validated.
	KindBackendInit Kind = iota + 1
	// KindSubmit: submission failed, or a job id could not be extracted.
	KindSubmit
	// KindMonitor: a status-check command itself failed to execute.
	KindMonitor
	// KindPoll: a status-poll call itself failed.
	KindPoll
	// KindExecution: the work failed in a way that yields no outcome.
	KindExecution
	// KindCancelled: cancellation was observed and honored.
	KindCancelled
	// KindResultExtraction: terminal state reached but the output could not
	// be retrieved.
	KindResultExtraction
	// KindConnectivity: container daemon, SSH or HTTP transport failure.
	KindConnectivity
	// KindImageUnavailable: a required container image could not be pulled.
	KindImageUnavailable
	// KindNameConflict: the task name collides with a running container or
	// service.
	KindNameConflict
)

func (k Kind) String() string {
	switch k {
	case KindBackendInit:
		return "backend init"
	case KindSubmit:
		return "submit"
	case KindMonitor:
		return "monitor"
	case KindPoll:
		return "poll"
	case KindExecution:
		return "execution"
	case KindCancelled:
		return "cancelled"
	case KindResultExtraction:
		return "result extraction"
	case KindConnectivity:
		return "connectivity"
	case KindImageUnavailable:
		return "image unavailable"
	case KindNameConflict:
		return "name conflict"
	default:
		return "unknown"
	}
}

// Error is a classified task run failure. It wraps an underlying cause and,
// for cancellations, any teardown error encountered while honoring the
// cancellation.
type Error struct {
	Kind Kind
	Err  error

	// Teardown carries a best-effort teardown failure observed while
	// cancelling. It never overrides the Cancelled classification.
	Teardown error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Teardown != nil {
		msg = fmt.Sprintf("%s (teardown failed: %v)", msg, e.Teardown)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Cancelled builds a cancellation error carrying an optional teardown
// failure.
func Cancelled(teardown error) *Error {
	return &Error{Kind: KindCancelled, Err: errors.New("task was cancelled"), Teardown: teardown}
}

// KindOf extracts the failure classification from err, or zero if err is not
// a classified backend error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// IsCancelled reports whether err resolves to a cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
