package eventer

import (
	"errors"
	"fmt"
)

// Sentinel errors for the kinds described in SPEC_FULL.md §7.
var (
	// ErrAlreadyRegistered is returned when adding an fd event for an fd
	// that already has a live event in the registry, or registering a
	// name that is already bound to a different callback.
	ErrAlreadyRegistered = errors.New("eventer: already registered")

	// ErrNotFound is returned by remove-style operations when the target
	// (fd, timer, recurrent event, name) is not present.
	ErrNotFound = errors.New("eventer: not found")

	// ErrMisuse is returned when an operation is handed an event of the
	// wrong kind, e.g. a non-ASYNCH event submitted to a job queue.
	ErrMisuse = errors.New("eventer: misuse")

	// ErrResourceExhausted is returned when a resource limit (e.g. the
	// open-file rlimit raise) could not be satisfied.
	ErrResourceExhausted = errors.New("eventer: resource exhausted")

	// ErrAlreadyInitialized is returned by Choose, PropSet and Init calls
	// made after Init has already run.
	ErrAlreadyInitialized = errors.New("eventer: runtime already initialized")

	// ErrLoopTerminated is returned by operations attempted against a
	// runtime or loop that has shut down.
	ErrLoopTerminated = errors.New("eventer: loop terminated")

	// ErrUnknownBackend is returned by Choose when no backend is
	// registered under the given name.
	ErrUnknownBackend = errors.New("eventer: unknown backend")
)

// BackendError wraps a multiplexer syscall failure (epoll/kqueue/etc).
// A failure to re-arm a specific fd after its callback removes that event
// and delivers it one EXCEPTION callback per SPEC_FULL.md §7; an arm
// failure in Add or Update is returned to the caller as a BackendError; a
// BackendError from the multiplexer wait itself is fatal.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("eventer: backend %q: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// InvariantViolation is panicked for internal assertion failures: refcount
// underflow, and owner selection from a pool with no threads. It carries
// enough context for a recovering crash handler to log structured detail
// rather than a bare string.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("eventer: invariant violated: %s: %s", e.Invariant, e.Detail)
}

func panicInvariant(invariant, detail string) {
	panic(&InvariantViolation{Invariant: invariant, Detail: detail})
}
