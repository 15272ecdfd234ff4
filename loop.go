package eventer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxSleeptime bounds how long a tick blocks in the backend when no
// timer is pending (spec.md §4.9 step 3's max_sleeptime).
const DefaultMaxSleeptime = 1 * time.Second

// Loop is one owner thread: a goroutine bound (in spirit — it is not
// locked to an OS thread; nothing calls runtime.LockOSThread) to a
// single Backend instance, a private timer heap, recurrent
// list, pending cross-thread op queue, and wake channel. Fd events live in
// the process-wide fdRegistry but are only ever dispatched on their
// owner's Loop (spec.md §5 "the owner thread property").
type Loop struct {
	id   ThreadID
	pool *Pool

	backend Backend
	fds     *fdRegistry

	timers    *timerHeap
	recurrent *recurrentList

	backQueues []*backQueue

	wakeReadFD, wakeWriteFD int

	pendingOps chan func()

	state *atomicState

	epoch     atomic.Int64 // UnixNano, set once in Start
	heartbeat atomic.Int64 // UnixNano, updated every tick

	maxSleep time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	started sync.Once
}

func newLoop(id ThreadID, pool *Pool, backend Backend, fds *fdRegistry, maxSleep time.Duration) *Loop {
	if maxSleep <= 0 {
		maxSleep = DefaultMaxSleeptime
	}
	return &Loop{
		id:          id,
		pool:        pool,
		backend:     backend,
		fds:         fds,
		timers:      newTimerHeap(),
		recurrent:   newRecurrentList(),
		pendingOps:  make(chan func(), 1024),
		state:       newAtomicState(loopAwake),
		maxSleep:    maxSleep,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		wakeReadFD:  -1,
		wakeWriteFD: -1,
	}
}

// ID returns the loop's thread identity, used for owner selection and
// backend lookup.
func (l *Loop) ID() ThreadID { return l.id }

// Epoch returns the wall-clock time this loop's Start was called
// (spec.md §4.9 "the start-of-loop wall time per thread is the loop
// epoch").
func (l *Loop) Epoch() time.Time { return time.Unix(0, l.epoch.Load()) }

// Heartbeat returns the wall-clock time of the loop's most recently
// completed tick, used by the watchdog to detect a stalled thread.
func (l *Loop) Heartbeat() time.Time { return time.Unix(0, l.heartbeat.Load()) }

// State returns the loop's current lifecycle state.
func (l *Loop) State() loopState { return l.state.Load() }

// attachJobQueue registers l as a completion destination for q, so that
// events submitted with Owner == l.ID() have their CLEANUP delivered here
// (spec.md §4.6 "back-queue that delivers completions to a specific loop
// thread").
func (l *Loop) attachJobQueue(q *JobQueue, backqueueCapacity int) {
	l.backQueues = append(l.backQueues, q.registerBackQueue(l.id, backqueueCapacity))
}

// Submit enqueues fn to run on l's own goroutine during its next tick, and
// wakes the loop if it is blocked in the backend. This is the cross-thread
// trigger path of spec.md §4.4/§4.5: a caller on another thread hands work
// over instead of touching l's private state directly.
func (l *Loop) Submit(fn func()) error {
	select {
	case l.pendingOps <- fn:
	default:
		return ErrResourceExhausted
	}
	l.wake()
	return nil
}

func (l *Loop) wake() {
	if l.wakeWriteFD < 0 {
		// Not started yet: Submit still queues fn, and it will be picked
		// up by the first tick's drainPendingOps regardless.
		return
	}
	if err := writeWake(l.wakeWriteFD); err != nil {
		logf(LevelWarn, "eventer: wake write failed", "loop", l.id, "err", err)
	}
}

// Start initializes the backend and wake channel. Must be called before
// Run; Runtime.Run calls it from its own goroutine before starting the
// loop's goroutine.
func (l *Loop) Start() error {
	var startErr error
	l.started.Do(func() {
		if err := l.backend.Init(); err != nil {
			startErr = &BackendError{Backend: l.backend.Name(), Op: "init", Err: err}
			return
		}
		readFD, writeFD, err := createWakeFD()
		if err != nil {
			startErr = err
			return
		}
		l.wakeReadFD, l.wakeWriteFD = readFD, writeFD
		if err := l.backend.Arm(l.wakeReadFD, Read); err != nil {
			startErr = &BackendError{Backend: l.backend.Name(), Op: "arm-wake", Err: err}
			return
		}
		l.epoch.Store(time.Now().UnixNano())
		l.heartbeat.Store(time.Now().UnixNano())
	})
	return startErr
}

// Run blocks the calling goroutine, ticking until ctx is done or Stop is
// called, then tears the loop down (spec.md §4.9 "loop() ... blocks the
// caller as one of them").
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.TryTransition(loopAwake, loopRunning) {
		return ErrMisuse
	}
	defer func() {
		l.state.Store(loopTerminated)
		closeWakeFD(l.wakeReadFD, l.wakeWriteFD)
		_ = l.backend.Close()
		close(l.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			l.state.TryTransition(loopRunning, loopTerminating)
			return ctx.Err()
		case <-l.stopCh:
			l.state.TryTransition(loopRunning, loopTerminating)
			return nil
		default:
		}
		if err := l.tick(); err != nil {
			return err
		}
	}
}

// Stop requests l to exit its Run loop at the next tick boundary.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.wake()
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// tick executes one iteration of spec.md §4.9's eight steps.
func (l *Loop) tick() error {
	now := time.Now()

	// 1-2: dispatch due timers, compute next deadline.
	next, hasNext := l.timers.dispatchTimed(now)

	// 3: compute timeout.
	timeout := l.maxSleep
	if hasNext {
		if till := next.Sub(now); till < timeout {
			timeout = till
		}
	}
	if timeout < 0 {
		timeout = 0
	}

	// 4: block in the backend until readiness or wake.
	l.state.TryTransition(loopRunning, loopSleeping)
	ready, err := l.backend.Wait(timeout)
	l.state.TryTransition(loopSleeping, loopRunning)
	if err != nil {
		return &BackendError{Backend: l.backend.Name(), Op: "wait", Err: err}
	}

	now = time.Now()

	// 5: handle ready fds, then drain the cross-thread-trigger queue.
	for _, rfd := range ready {
		if rfd.FD == l.wakeReadFD {
			drainWake(l.wakeReadFD)
			continue
		}
		l.fds.dispatchReady(rfd.FD, rfd.Mask, l.id, now)
	}
	l.drainPendingOps()

	// 6: drain completed asynch jobs.
	for _, bq := range l.backQueues {
		drainBackQueue(bq, now)
	}

	// 7: dispatch recurrent events.
	l.recurrent.dispatchRecurrent(now)

	// 8: publish watchdog heartbeat.
	l.heartbeat.Store(time.Now().UnixNano())

	return nil
}

func (l *Loop) drainPendingOps() {
	for {
		select {
		case fn := <-l.pendingOps:
			fn()
		default:
			return
		}
	}
}

// drainBackQueue delivers every event currently queued on bq, invoking its
// CLEANUP callback and derefing it (spec.md §4.6 step 3). Delivery is
// non-blocking: a job completing mid-drain is picked up next tick.
func drainBackQueue(bq *backQueue, now time.Time) {
	for {
		select {
		case e := <-bq.ch:
			_ = e.Callback(e, e.Mask(), e.Closure, now)
			Deref(e)
		default:
			return
		}
	}
}
