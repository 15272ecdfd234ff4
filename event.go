package eventer

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Mask is the event-kind/interest bitmask. Values are fixed for ABI
// compatibility with existing callers (SPEC_FULL.md §6) and must not be
// renumbered.
type Mask uint32

const (
	Read    Mask = 0x01
	Write   Mask = 0x02
	Excep   Mask = 0x04
	Timer   Mask = 0x08
	Asynch      Mask = 0x30
	AsynchWork  Mask = 0x10
	AsynchClean Mask = 0x20
	Recurrent Mask = 0x80

	EvilBrutal      Mask = 0x100
	CancelDeferred  Mask = 0x200
	CancelAsynch    Mask = 0x400
	Cancel                = CancelDeferred | CancelAsynch

	CrossThreadTrigger Mask = 0x80000000
	ReservedMask       Mask = 0xfff00000
)

func (m Mask) String() string {
	if m == 0 {
		return "NONE"
	}
	var s string
	add := func(bit Mask, name string) {
		if m&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(Read, "READ")
	add(Write, "WRITE")
	add(Excep, "EXCEPTION")
	add(Timer, "TIMER")
	add(AsynchWork, "ASYNCH_WORK")
	add(AsynchClean, "ASYNCH_CLEANUP")
	add(Recurrent, "RECURRENT")
	add(EvilBrutal, "EVIL_BRUTAL")
	add(CancelDeferred, "CANCEL_DEFERRED")
	add(CancelAsynch, "CANCEL_ASYNCH")
	add(CrossThreadTrigger, "CROSS_THREAD_TRIGGER")
	if s == "" {
		return fmt.Sprintf("0x%x", uint32(m))
	}
	return s
}

// Kind classifies an Event by its non-interest bits. Exactly one of these
// applies to any live event (SPEC_FULL.md §3).
type Kind int

const (
	KindFD Kind = iota
	KindTimer
	KindAsynch
	KindRecurrent
)

func (k Kind) String() string {
	switch k {
	case KindFD:
		return "fd"
	case KindTimer:
		return "timer"
	case KindAsynch:
		return "asynch"
	case KindRecurrent:
		return "recurrent"
	default:
		return "unknown"
	}
}

// ThreadID identifies a loop thread. 0 is the reserved "non-thread-safe"
// thread of the default pool (SPEC_FULL.md §4.8).
type ThreadID int

// Callback is invoked on an event's owner thread with the firing mask, the
// event's closure, and the owner's cached tick time. It returns the new
// interest mask; zero means "remove me."
type Callback func(e *Event, mask Mask, closure any, now time.Time) Mask

// Event is the universal scheduling unit: a reference-counted handle
// carrying a callback, closure, deadline, fd, interest mask, owner thread,
// and fd-ops vtable (SPEC_FULL.md §3).
type Event struct {
	Callback Callback
	Closure  any

	// mask holds the classification bits plus any interest bits
	// (READ|WRITE|EXCEPTION for fd events). Access via Mask()/setMask().
	mask atomic.Uint32

	FD int

	// Whence is the absolute deadline for timer events, or the submit
	// time for asynch events.
	Whence time.Time

	Owner ThreadID

	FDOps  FDOps
	OpsCtx any

	name string

	refcount atomic.Int32

	// heapIndex is maintained by the owning timerHeap; -1 when not
	// resident in a heap.
	heapIndex int

	// heapSeq is the insertion order assigned by timerHeap.AddTimed, used
	// to break ties between equal deadlines (spec.md §5 property 5).
	heapSeq int64

	// recurrentLinked is maintained by the owning recurrentList.
	recurrentLinked bool

	// cancelRequested is set by JobQueue cancellation (CANCEL_DEFERRED /
	// CANCEL_ASYNCH) and observed cooperatively by the worker.
	cancelRequested atomic.Bool
}

// Kind classifies e by its non-interest mask bits.
func (e *Event) Kind() Kind {
	m := e.Mask()
	switch {
	case m&Timer != 0:
		return KindTimer
	case m&Asynch != 0:
		return KindAsynch
	case m&Recurrent != 0:
		return KindRecurrent
	default:
		return KindFD
	}
}

// Mask returns the event's current mask, atomically.
func (e *Event) Mask() Mask { return Mask(e.mask.Load()) }

func (e *Event) setMask(m Mask) { e.mask.Store(uint32(m)) }

// Name returns the event's human-readable label, if one was set via
// SetName, else "".
func (e *Event) Name() string { return e.name }

// SetName attaches a human-readable label to e, independent of the
// callback name registry (SPEC_FULL.md §3).
func (e *Event) SetName(name string) { e.name = name }

// Cancelled reports whether CANCEL_DEFERRED or CANCEL_ASYNCH has been
// requested for an asynch event. A job body may poll this cooperatively;
// there is no preemption (DESIGN.md, Open Question decision 2).
func (e *Event) Cancelled() bool { return e.cancelRequested.Load() }

func (e *Event) String() string {
	s := fmt.Sprintf("event{kind=%s mask=%s", e.Kind(), e.Mask())
	if e.Kind() == KindFD {
		s += fmt.Sprintf(" fd=%d", e.FD)
	}
	if e.Kind() == KindTimer {
		s += fmt.Sprintf(" whence=%s", e.Whence.Format(time.RFC3339Nano))
	}
	s += fmt.Sprintf(" owner=%d refcount=%d", e.Owner, e.refcount.Load())
	if e.name != "" {
		s += fmt.Sprintf(" name=%q", e.name)
	}
	return s + "}"
}

var (
	allocCurrent atomic.Int64
	allocTotal   atomic.Int64
)

// Alloc allocates a new Event with refcount 1, attached to the calling
// goroutine's notion of "current thread": called from a loop goroutine,
// Owner is that loop's thread. Called from any other goroutine, Owner is
// left at 0 and must be set explicitly before Add.
func Alloc() *Event {
	e := &Event{heapIndex: -1}
	if v, ok := threadTags.Load(goroutineID()); ok {
		e.Owner = v.(threadTag).id
	}
	e.refcount.Store(1)
	allocCurrent.Add(1)
	allocTotal.Add(1)
	return e
}

// Ref increments e's reference count. Callers handing e to another thread
// must Ref before publishing the pointer and Deref when done with it
// (SPEC_FULL.md §4.1 two-thread handoff contract).
func Ref(e *Event) {
	e.refcount.Add(1)
}

// Deref decrements e's reference count, deallocating bookkeeping state
// when it reaches zero. Derefing more times than Ref/Alloc granted is a
// refcount underflow and panics.
func Deref(e *Event) {
	n := e.refcount.Add(-1)
	if n < 0 {
		panicInvariant("refcount underflow", e.String())
	}
	if n == 0 {
		allocCurrent.Add(-1)
	}
}

// Free is an alias for Deref, matching the original API's eventer_free.
func Free(e *Event) { Deref(e) }

// AllocationsCurrent returns the number of live events (allocated, not yet
// derefed to zero).
func AllocationsCurrent() int64 { return allocCurrent.Load() }

// AllocationsTotal returns the monotonically non-decreasing count of all
// events ever allocated.
func AllocationsTotal() int64 { return allocTotal.Load() }

// NewTimed is a convenience constructor for a timer event: allocates,
// fills in Callback/Closure/Whence, and sets the mask to TIMER.
func NewTimed(whence time.Time, cb Callback, closure any) *Event {
	e := Alloc()
	e.Callback = cb
	e.Closure = closure
	e.Whence = whence
	e.setMask(Timer)
	return e
}

// NewFD is a convenience constructor for an fd event.
func NewFD(fd int, mask Mask, ops FDOps, cb Callback, closure any) *Event {
	e := Alloc()
	e.Callback = cb
	e.Closure = closure
	e.FD = fd
	e.FDOps = ops
	e.setMask(mask)
	return e
}

// NewRecurrent is a convenience constructor for a recurrent event.
func NewRecurrent(cb Callback, closure any) *Event {
	e := Alloc()
	e.Callback = cb
	e.Closure = closure
	e.setMask(Recurrent)
	return e
}

// NewAsynch is a convenience constructor for an asynch (job queue) event.
func NewAsynch(cb Callback, closure any) *Event {
	e := Alloc()
	e.Callback = cb
	e.Closure = closure
	e.Whence = time.Now()
	e.setMask(AsynchWork)
	return e
}
