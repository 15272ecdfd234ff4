package eventer

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// Describer renders an event-specific diagnostic string for a callback,
// appended to the plain registered name by Registry.NameFor.
type Describer func(e *Event, closure any) string

type nameEntry struct {
	name      string
	describer Describer
}

// Registry is a process-wide, bidirectional mapping between callback
// function identity and a human-readable name, optionally augmented with a
// describer (SPEC_FULL.md §4.2). The zero value is usable.
type Registry struct {
	mu        sync.RWMutex
	byFunc    map[uintptr]nameEntry
	byName    map[string]uintptr
	funcOf    map[uintptr]Callback // keeps a copy so callback_for_name can return it
}

// DefaultRegistry is the process-wide registry used by the package-level
// NameCallback/NameForCallback/CallbackForName convenience functions.
var DefaultRegistry = NewRegistry()

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byFunc: make(map[uintptr]nameEntry),
		byName: make(map[string]uintptr),
		funcOf: make(map[uintptr]Callback),
	}
}

func funcPtr(fn Callback) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// NameCallback registers name for fn. Re-registering the same (name, fn)
// pair is a no-op; registering name for a different fn fails with
// ErrAlreadyRegistered (SPEC_FULL.md §4.2: "registration is insert-only").
func (r *Registry) NameCallback(name string, fn Callback) error {
	return r.nameCallback(name, fn, nil)
}

// NameCallbackExt registers name for fn along with a Describer invoked by
// NameFor.
func (r *Registry) NameCallbackExt(name string, fn Callback, d Describer) error {
	return r.nameCallback(name, fn, d)
}

func (r *Registry) nameCallback(name string, fn Callback, d Describer) error {
	ptr := funcPtr(fn)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byName == nil {
		r.byFunc = make(map[uintptr]nameEntry)
		r.byName = make(map[string]uintptr)
		r.funcOf = make(map[uintptr]Callback)
	}

	if existingPtr, ok := r.byName[name]; ok {
		if existingPtr != ptr {
			return ErrAlreadyRegistered
		}
		// idempotent re-registration of the same (name, fn); allow
		// updating the describer when name is fn's canonical name.
		if r.byFunc[ptr].name == name {
			r.byFunc[ptr] = nameEntry{name: name, describer: d}
		}
		return nil
	}
	if existing, ok := r.byFunc[ptr]; ok && existing.name != name {
		// same fn already has a different name: the original contract
		// is name->fn insert-only, not fn->name; allow a second name to
		// alias the same fn, but keep the first name as canonical for
		// lookups by pointer. Record the alias.
		r.byName[name] = ptr
		return nil
	}

	r.byName[name] = ptr
	r.byFunc[ptr] = nameEntry{name: name, describer: d}
	r.funcOf[ptr] = fn
	return nil
}

// NameForCallback returns the name registered for fn, or a synthetic hex
// string of its function pointer if unregistered.
func (r *Registry) NameForCallback(fn Callback) string {
	ptr := funcPtr(fn)
	r.mu.RLock()
	entry, ok := r.byFunc[ptr]
	r.mu.RUnlock()
	if ok {
		return entry.name
	}
	return syntheticName(fn)
}

func syntheticName(fn Callback) string {
	ptr := funcPtr(fn)
	if f := runtime.FuncForPC(ptr); f != nil {
		return fmt.Sprintf("0x%x(%s)", ptr, f.Name())
	}
	return fmt.Sprintf("0x%x", ptr)
}

// NameFor is NameForCallback plus the registered describer's output (if
// any), appended. e and closure are passed to the describer.
func (r *Registry) NameFor(fn Callback, e *Event) string {
	ptr := funcPtr(fn)
	r.mu.RLock()
	entry, ok := r.byFunc[ptr]
	r.mu.RUnlock()

	if !ok {
		return syntheticName(fn)
	}
	if entry.describer == nil {
		return entry.name
	}
	var closure any
	if e != nil {
		closure = e.Closure
	}
	return entry.name + " " + entry.describer(e, closure)
}

// CallbackForName returns the callback registered under name, and whether
// one was found.
func (r *Registry) CallbackForName(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ptr, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	fn, ok := r.funcOf[ptr]
	return fn, ok
}

// Names enumerates all registered names (SPEC_FULL.md §4.2 supplement).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// Package-level convenience wrappers over DefaultRegistry.

func NameCallback(name string, fn Callback) error { return DefaultRegistry.NameCallback(name, fn) }

func NameCallbackExt(name string, fn Callback, d Describer) error {
	return DefaultRegistry.NameCallbackExt(name, fn, d)
}

func NameForCallback(fn Callback) string { return DefaultRegistry.NameForCallback(fn) }

func NameForCallbackE(fn Callback, e *Event) string { return DefaultRegistry.NameFor(fn, e) }

func CallbackForName(name string) (Callback, bool) { return DefaultRegistry.CallbackForName(name) }
