package eventer

import "time"

// ReadyFD is one readiness notification returned by Backend.Wait.
type ReadyFD struct {
	FD   int
	Mask Mask
}

// Backend is the interchangeable I/O multiplexer interface
// (SPEC_FULL.md §4.4). The concrete backends (epoll/kqueue/poll) are
// external collaborators per spec.md §1 — the core only depends on this
// narrow interface, registered by name via RegisterBackend and selected
// with Runtime.Choose.
type Backend interface {
	Name() string
	Init() error
	Close() error
	// Arm (re-)registers fd for the given interest mask. Called with no
	// fd previously armed, or to change an already-armed fd's interest.
	Arm(fd int, mask Mask) error
	// Disarm removes fd from the multiplexer's watched set.
	Disarm(fd int) error
	// Wait blocks up to timeout (0 means return immediately; a negative
	// duration means block indefinitely) and returns the fds that became
	// ready.
	Wait(timeout time.Duration) ([]ReadyFD, error)
}

// BackendFactory constructs a fresh Backend instance; each Loop gets its
// own, since a multiplexer instance is inherently single-owner.
type BackendFactory func() Backend

var backendRegistry = map[string]BackendFactory{}

// RegisterBackend registers a backend constructor under name, for
// selection via Runtime.Choose. Called from the platform files' init()
// functions for the built-in backends; an embedder may call it directly to
// add a custom one before New/Init (SPEC_FULL.md §6 "Choose(name) selects backend by name").
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

func lookupBackend(name string) (BackendFactory, bool) {
	f, ok := backendRegistry[name]
	return f, ok
}
