package eventer

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultRlimNofiles is the default target open-file rlimit raised at
// Runtime init (SPEC_FULL.md §4.4 / spec.md §6 Config.RlimNofiles).
const DefaultRlimNofiles = 1048576

// spinLock is a minimal test-and-CAS spin lock, used for the fd registry's
// per-slot guard (SPEC_FULL.md §5: "guarded by its own spin lock, held
// only for the duration of slot mutation"). A mutex would do, but the
// original's contract is explicitly a spin lock held for a handful of
// instructions, and runtime.Gosched avoids burning a whole scheduler
// quantum under contention in tests that hammer a single fd.
type spinLock struct {
	state atomic.Bool
}

func (s *spinLock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.state.Store(false)
}

// fdSlot is one entry of the process-wide master_fds table.
type fdSlot struct {
	lock            spinLock
	event           *Event
	executingThread ThreadID
}

// fdRegistry is the process-wide fd -> event table (spec.md §4.4's
// master_fds). There is exactly one fdRegistry per Runtime, shared by all
// loop threads; the actual multiplexer instance is per-thread (spec.md
// §4.4 "Backend loop body (per owner thread)"), so arming/disarming is
// delegated to the owning thread's Backend via backendFor.
type fdRegistry struct {
	slots      []fdSlot
	backendFor func(ThreadID) (Backend, bool)
}

func newFDRegistry(size int, backendFor func(ThreadID) (Backend, bool)) *fdRegistry {
	return &fdRegistry{
		slots:      make([]fdSlot, size),
		backendFor: backendFor,
	}
}

func (r *fdRegistry) backend(owner ThreadID) (Backend, error) {
	b, ok := r.backendFor(owner)
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (r *fdRegistry) slot(fd int) (*fdSlot, bool) {
	if fd < 0 || fd >= len(r.slots) {
		return nil, false
	}
	return &r.slots[fd], true
}

// add registers e (an fd-kind event) in the registry and arms the backend.
// If the calling thread differs from e.Owner, the event is still stored
// here (the fd registry is process-wide, not per-thread) but the caller is
// responsible for routing the CROSS_THREAD_TRIGGER wakeup — see
// Runtime.Add.
func (r *fdRegistry) add(e *Event) error {
	slot, ok := r.slot(e.FD)
	if !ok {
		return ErrResourceExhausted
	}
	backend, err := r.backend(e.Owner)
	if err != nil {
		return err
	}
	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.event != nil {
		return ErrAlreadyRegistered
	}
	if err := backend.Arm(e.FD, e.Mask()); err != nil {
		return &BackendError{Backend: backend.Name(), Op: "arm", Err: err}
	}
	slot.event = e
	return nil
}

// removeFD disarms and clears the slot for fd, returning its event (without
// derefing — caller owns the returned reference per SPEC_FULL.md §3).
func (r *fdRegistry) removeFD(fd int) (*Event, error) {
	slot, ok := r.slot(fd)
	if !ok {
		return nil, ErrNotFound
	}
	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.event == nil {
		return nil, ErrNotFound
	}
	if backend, err := r.backend(slot.event.Owner); err == nil {
		_ = backend.Disarm(fd)
	}
	e := slot.event
	slot.event = nil
	return e, nil
}

// remove is removeFD keyed by the event's own fd.
func (r *fdRegistry) remove(e *Event) (*Event, error) {
	return r.removeFD(e.FD)
}

// findFD returns the event registered for fd, if any.
func (r *fdRegistry) findFD(fd int) (*Event, bool) {
	slot, ok := r.slot(fd)
	if !ok {
		return nil, false
	}
	slot.lock.Lock()
	defer slot.lock.Unlock()
	return slot.event, slot.event != nil
}

// update re-arms the backend for newMask and stores it as e's mask. Must be called from
// e.Owner (SPEC_FULL.md §4.4).
func (r *fdRegistry) update(e *Event, newMask Mask) error {
	slot, ok := r.slot(e.FD)
	if !ok {
		return ErrNotFound
	}
	backend, err := r.backend(e.Owner)
	if err != nil {
		return err
	}
	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.event != e {
		return ErrNotFound
	}
	if err := backend.Arm(e.FD, newMask); err != nil {
		return &BackendError{Backend: backend.Name(), Op: "update", Err: err}
	}
	e.setMask(newMask)
	return nil
}

// dispatchReady handles one backend readiness notification for fd, per
// spec.md §4.4's "Backend loop body (per owner thread)": read the slot
// under lock, mark executing_thread, release lock, invoke the callback,
// then under lock apply the returned mask — zero disarms/removes/derefs,
// non-zero re-arms for the new interest.
func (r *fdRegistry) dispatchReady(fd int, mask Mask, owner ThreadID, now time.Time) {
	slot, ok := r.slot(fd)
	if !ok {
		return
	}
	slot.lock.Lock()
	e := slot.event
	if e == nil {
		slot.lock.Unlock()
		return
	}
	slot.executingThread = owner
	slot.lock.Unlock()

	newMask := e.Callback(e, mask, e.Closure, now)

	backend, berr := r.backend(owner)

	// failed is set when re-arming fd fails: e is then dropped from the
	// registry and, once the slot lock is released, gets one EXCEPTION
	// callback before the runtime's reference is released.
	failed := false
	defer func() {
		if failed {
			_ = e.Callback(e, Excep, e.Closure, now)
			Deref(e)
		}
	}()

	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.event != e {
		// e was removed by its own callback or concurrently; nothing left
		// to re-arm.
		return
	}
	if newMask == 0 {
		if berr == nil {
			_ = backend.Disarm(fd)
		}
		slot.event = nil
		Deref(e)
		return
	}
	e.setMask(newMask)
	if berr == nil {
		if err := backend.Arm(fd, newMask); err != nil {
			logf(LevelError, "eventer: re-arm failed", "fd", fd, "err", err)
			_ = backend.Disarm(fd)
			slot.event = nil
			failed = true
		}
	}
}

// trigger synchronously invokes e's callback outside the registered state
// with the given mask, then re-registers according to the returned mask (0
// leaves it removed). Used to restart an event pulled from the registry
// (SPEC_FULL.md §4.4).
func (r *fdRegistry) trigger(e *Event, mask Mask, now time.Time) Mask {
	newMask := e.Callback(e, mask, e.Closure, now)
	if newMask != 0 {
		_ = r.add(wrappedEventWithMask(e, newMask))
	}
	return newMask
}

// foreachFDEvent iterates all slots, invoking fn with each live event.
func (r *fdRegistry) foreachFDEvent(fn func(e *Event)) {
	for i := range r.slots {
		r.slots[i].lock.Lock()
		e := r.slots[i].event
		r.slots[i].lock.Unlock()
		if e != nil {
			fn(e)
		}
	}
}

// raiseRlimit raises RLIMIT_NOFILE's soft limit toward target, capped at
// the hard limit, returning the limit actually in effect. It never lowers
// the current limit.
func raiseRlimit(target int) (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, err
	}
	want := uint64(target)
	if want <= rl.Cur {
		return int(rl.Cur), nil
	}
	if want > rl.Max {
		want = rl.Max
	}
	newRl := unix.Rlimit{Cur: want, Max: rl.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &newRl); err != nil {
		return int(rl.Cur), err
	}
	return int(want), nil
}

func wrappedEventWithMask(e *Event, mask Mask) *Event {
	e.setMask(mask)
	return e
}
