package eventer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JobQueueStats are point-in-time counters for a JobQueue (SPEC_FULL.md
// §4.6 supplement).
type JobQueueStats struct {
	Pending   int64
	InFlight  int64
	Completed int64
}

// backQueue is the per-owner channel carrying completed asynch events
// awaiting their CLEANUP callback (GLOSSARY: back-queue).
type backQueue struct {
	ch chan *Event
}

// JobQueue is a named worker pool executing asynchronous work items, with
// completions routed back to a specific loop thread (SPEC_FULL.md §4.6): a
// goroutine runs the blocking WORK body, then hands the event back onto its
// owning loop's thread for the CLEANUP callback.
type JobQueue struct {
	name string

	pending chan *Event

	backQueuesMu sync.RWMutex
	backQueues   map[ThreadID]*backQueue

	abortPolicy Mask // default EvilBrutal (SPEC_FULL.md §4.6)

	backqueueCapacity int

	workersWG sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}

	pendingCount   atomic.Int64
	inFlightCount  atomic.Int64
	completedCount atomic.Int64
}

// JobQueueOption configures NewJobQueue.
type JobQueueOption func(*jobQueueConfig)

type jobQueueConfig struct {
	workers           int
	backqueueCapacity int
	abortPolicy       Mask
}

// WithWorkers sets the bounded worker count (default 4).
func WithWorkers(n int) JobQueueOption {
	return func(c *jobQueueConfig) { c.workers = n }
}

// WithBackqueueCapacity sets the per-owner completion channel buffer size
// (default 256) for back-queues the queue creates itself when delivering
// to an owner that has none; a back-queue registered through
// registerBackQueue keeps the capacity it was registered with.
func WithBackqueueCapacity(n int) JobQueueOption {
	return func(c *jobQueueConfig) { c.backqueueCapacity = n }
}

// NewJobQueue starts a worker pool named name.
func NewJobQueue(name string, opts ...JobQueueOption) *JobQueue {
	cfg := jobQueueConfig{workers: 4, backqueueCapacity: 256, abortPolicy: EvilBrutal}
	for _, opt := range opts {
		opt(&cfg)
	}

	q := &JobQueue{
		name:              name,
		pending:           make(chan *Event, 1024),
		backQueues:        make(map[ThreadID]*backQueue),
		abortPolicy:       cfg.abortPolicy,
		backqueueCapacity: cfg.backqueueCapacity,
		stopCh:            make(chan struct{}),
	}

	for i := 0; i < cfg.workers; i++ {
		q.workersWG.Add(1)
		go q.workerLoop()
	}

	return q
}

// registerBackQueue is called when a Loop is attached to the queue (at
// Runtime.Init / NewPool), so the job queue knows where to route
// completions for events owned by that thread; deliver also calls it for
// an owner that has no back-queue yet.
func (q *JobQueue) registerBackQueue(owner ThreadID, capacity int) *backQueue {
	q.backQueuesMu.Lock()
	defer q.backQueuesMu.Unlock()
	bq, ok := q.backQueues[owner]
	if !ok {
		bq = &backQueue{ch: make(chan *Event, capacity)}
		q.backQueues[owner] = bq
	}
	return bq
}

// defaultBackq returns the owner thread that will receive e's completion,
// matching the original's eventer_default_backq(e): the event's own Owner
// field (SPEC_FULL.md §4.6).
func defaultBackq(e *Event) ThreadID { return e.Owner }

// AddAsynch submits e to the queue. e.Mask must include ASYNCH_WORK
// (SPEC_FULL.md §4.6); e must already have Owner set to the loop thread
// that should receive its CLEANUP callback.
func (q *JobQueue) AddAsynch(e *Event) error {
	if e.Mask()&AsynchWork == 0 {
		return ErrMisuse
	}
	select {
	case <-q.stopCh:
		return ErrLoopTerminated
	default:
	}
	q.pendingCount.Add(1)
	q.pending <- e
	return nil
}

// CancelDeferred marks e for deferred cancellation: WORK still runs to
// completion, but CLEANUP is delivered with CANCEL_DEFERRED set
// (SPEC_FULL.md §4.6).
func (q *JobQueue) CancelDeferred(e *Event) {
	e.cancelRequested.Store(true)
	e.setMask(e.Mask() | CancelDeferred)
}

// CancelAsynch asks the worker to abandon e cooperatively: if still
// pre-dispatch, WORK is skipped entirely and CLEANUP runs immediately with
// CANCEL_ASYNCH set. There is no preemption of an in-flight WORK callback
// (spec.md §9 Open Question 2).
func (q *JobQueue) CancelAsynch(e *Event) {
	e.cancelRequested.Store(true)
	e.setMask(e.Mask() | CancelAsynch)
}

func (q *JobQueue) workerLoop() {
	defer q.workersWG.Done()
	for {
		select {
		case e, ok := <-q.pending:
			if !ok {
				return
			}
			q.pendingCount.Add(-1)
			q.runJob(e)
		case <-q.stopCh:
			return
		}
	}
}

func (q *JobQueue) runJob(e *Event) {
	q.inFlightCount.Add(1)
	defer q.inFlightCount.Add(-1)

	cleanupMask := AsynchClean
	if e.Mask()&CancelAsynch != 0 {
		// Pre-dispatch cancellation: skip WORK entirely.
		cleanupMask |= CancelAsynch
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Worker exceptions are contained: CLEANUP still
					// delivers, with EXCEPTION noting the failure
					// (SPEC_FULL.md §7).
					logf(LevelError, "eventer: asynch job panicked", "queue", q.name, "event", e.String(), "panic", r)
					cleanupMask |= Excep
				}
			}()
			_ = e.Callback(e, AsynchWork, e.Closure, time.Now())
		}()
		if e.Mask()&CancelDeferred != 0 {
			cleanupMask |= CancelDeferred
		}
	}

	q.completedCount.Add(1)
	q.deliver(e, cleanupMask)
}

func (q *JobQueue) deliver(e *Event, cleanupMask Mask) {
	owner := defaultBackq(e)
	q.backQueuesMu.RLock()
	bq, ok := q.backQueues[owner]
	q.backQueuesMu.RUnlock()
	if !ok {
		bq = q.registerBackQueue(owner, q.backqueueCapacity)
	}
	e.setMask(cleanupMask)
	bq.ch <- e
}

// Stats returns point-in-time queue counters.
func (q *JobQueue) Stats() JobQueueStats {
	return JobQueueStats{
		Pending:   q.pendingCount.Load(),
		InFlight:  q.inFlightCount.Load(),
		Completed: q.completedCount.Load(),
	}
}

// Close shuts the queue down. It waits for in-flight and already-enqueued
// jobs to complete until ctx is done; if ctx expires first, remaining
// worker goroutines are abandoned (the EVIL_BRUTAL policy: "workers are
// terminated asynchronously without running user code" has no Go
// equivalent to pthread_cancel, so an abandoned worker simply finishes on
// its own time and its result is discarded — SPEC_FULL.md §10).
func (q *JobQueue) Close(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		close(q.pending)
		done := make(chan struct{})
		go func() {
			q.workersWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			close(q.stopCh)
			err = ctx.Err()
		}
	})
	return err
}
