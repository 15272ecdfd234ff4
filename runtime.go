package eventer

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

// DefaultPoolName is the name of the pool every Runtime creates at Init,
// sized to Config.Concurrency (spec.md §4.8 "The default pool contains all
// concurrency slots").
const DefaultPoolName = "default"

var bootOnce sync.Once

// BootCtor runs the one-time, pre-Init step named after the original's
// boot_ctor. It does not register backends: the built-in
// epoll/kqueue/poll backends self-register via platform-specific init()
// functions, and an embedder registers its own with RegisterBackend before
// Init. New calls BootCtor automatically and it is safe to call more than
// once.
//
// What it does is apply go.uber.org/automaxprocs once, so GOMAXPROCS (and
// hence Config.Concurrency's default, see withDefaults) reflects a
// container's cgroup CPU quota rather than the host's full core count.
func BootCtor() {
	bootOnce.Do(func() {
		_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			logf(LevelInfo, "eventer: automaxprocs", "msg", fmt.Sprintf(format, args...))
		}))
	})
}

// Config is the Runtime's construction-time configuration (SPEC_FULL.md
// §6, replacing the original's stringly-typed eventer_impl_propset).
type Config struct {
	// RlimNofiles is the open-file rlimit to raise toward at Init. Zero
	// means DefaultRlimNofiles.
	RlimNofiles int
	// Concurrency is the number of loop threads in the default pool. Zero
	// means GOMAXPROCS, as adjusted by automaxprocs in BootCtor.
	Concurrency int
	// WatchdogTimeout is the default pool's deadman timeout. Zero disables
	// the watchdog for the default pool.
	WatchdogTimeout time.Duration
	// Backend names the multiplexer to use ("epoll", "kqueue", "poll").
	// Empty means pick the first available in that preference order.
	Backend string
}

func (c Config) withDefaults() Config {
	if c.RlimNofiles <= 0 {
		c.RlimNofiles = DefaultRlimNofiles
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
		if c.Concurrency < 1 {
			c.Concurrency = 1
		}
	}
	return c
}

// RuntimeOption configures a Runtime at construction, for anything not
// worth promoting to a Config field (SPEC_FULL.md §8).
type RuntimeOption func(*Runtime)

// WithBackend is sugar for setting Config.Backend via an option.
func WithBackend(name string) RuntimeOption {
	return func(rt *Runtime) { rt.cfg.Backend = name }
}

// WithOnStalledThread installs the hook invoked when a loop thread's
// heartbeat exceeds its pool's watchdog timeout (SPEC_FULL.md §4.8).
func WithOnStalledThread(fn func(pool string, thread ThreadID)) RuntimeOption {
	return func(rt *Runtime) { rt.onStalled = fn }
}

// Runtime is the top-level scheduler: one or more named Pools of Loop
// threads, a process-wide fd registry, a default job queue, and the
// callback name registry, all wired together at Init (spec.md §4.9).
type Runtime struct {
	mu          sync.RWMutex
	cfg         Config
	initialized bool

	registry *Registry

	fds *fdRegistry

	pools       map[string]*Pool
	loops       map[ThreadID]*Loop
	defaultPool *Pool

	jobQueuesMu sync.RWMutex
	jobQueues   map[string]*JobQueue

	onStalled func(pool string, thread ThreadID)

	runCancel context.CancelFunc

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// New constructs a Runtime from cfg, applying opts, and runs BootCtor.
// Thread pools and backends are not created until Init.
func New(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	BootCtor()
	rt := &Runtime{
		cfg:       cfg.withDefaults(),
		registry:  NewRegistry(),
		pools:     make(map[string]*Pool),
		loops:     make(map[ThreadID]*Loop),
		jobQueues: make(map[string]*JobQueue),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Registry returns the runtime's callback name registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

var backendPreference = []string{"epoll", "kqueue", "poll"}

func (rt *Runtime) resolveBackendName() (string, error) {
	if rt.cfg.Backend != "" {
		if _, ok := lookupBackend(rt.cfg.Backend); !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownBackend, rt.cfg.Backend)
		}
		return rt.cfg.Backend, nil
	}
	for _, name := range backendPreference {
		if _, ok := lookupBackend(name); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no backend registered", ErrUnknownBackend)
}

// Choose selects the backend to use by name. Must be called before Init.
func (rt *Runtime) Choose(name string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initialized {
		return ErrAlreadyInitialized
	}
	if _, ok := lookupBackend(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	rt.cfg.Backend = name
	return nil
}

// PropSet is a compatibility shim over Config, for parity with the
// original's stringly-typed eventer_impl_propset (SPEC_FULL.md §6).
// Recognized keys: "rlim_nofiles", "concurrency", "backend". Must be
// called before Init.
func (rt *Runtime) PropSet(key, value string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initialized {
		return ErrAlreadyInitialized
	}
	switch key {
	case "rlim_nofiles":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("eventer: rlim_nofiles: %w", err)
		}
		rt.cfg.RlimNofiles = n
	case "concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("eventer: concurrency: %w", err)
		}
		rt.cfg.Concurrency = n
	case "backend":
		if _, ok := lookupBackend(value); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownBackend, value)
		}
		rt.cfg.Backend = value
	default:
		return fmt.Errorf("%w: unrecognized property %q", ErrMisuse, key)
	}
	return nil
}

func (rt *Runtime) backendFor(id ThreadID) (Backend, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	l, ok := rt.loops[id]
	if !ok {
		return nil, false
	}
	return l.backend, true
}

// Init raises the open-file rlimit, builds the default pool of loop
// threads (one Backend instance each), and starts the default job queue
// and watchdog. It does not start ticking any loop thread — that happens
// in Run.
func (rt *Runtime) Init() error {
	rt.mu.Lock()
	if rt.initialized {
		rt.mu.Unlock()
		return ErrAlreadyInitialized
	}

	limit, err := raiseRlimit(rt.cfg.RlimNofiles)
	if err != nil {
		logf(LevelWarn, "eventer: rlimit raise failed", "target", rt.cfg.RlimNofiles, "err", err)
		limit = rt.cfg.RlimNofiles
	} else {
		logf(LevelInfo, "eventer: open-file rlimit", "value", limit)
	}

	backendName, err := rt.resolveBackendName()
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	factory, _ := lookupBackend(backendName)
	logf(LevelInfo, "eventer: selected backend", "name", backendName)

	rt.fds = newFDRegistry(limit, rt.backendFor)

	pool := &Pool{name: DefaultPoolName, watchdogTimeout: rt.cfg.WatchdogTimeout}
	pool.threads = make([]ThreadID, rt.cfg.Concurrency)
	for i := 0; i < rt.cfg.Concurrency; i++ {
		id := ThreadID(i)
		pool.threads[i] = id
		rt.loops[id] = newLoop(id, pool, factory(), rt.fds, DefaultMaxSleeptime)
	}
	rt.defaultPool = pool
	rt.pools[DefaultPoolName] = pool

	defaultQueue := NewJobQueue(DefaultPoolName)
	rt.jobQueues[DefaultPoolName] = defaultQueue
	for _, l := range rt.loops {
		l.attachJobQueue(defaultQueue, 256)
	}

	rt.watchdogStop = make(chan struct{})
	rt.watchdogDone = make(chan struct{})

	rt.initialized = true
	rt.mu.Unlock()

	go rt.watchdogLoop()

	return nil
}

// NewPool creates an additional named pool of loop threads, distinct from
// the default pool, sharing the same fd registry and backend selection.
// Must be called after Init.
func (rt *Runtime) NewPool(name string, concurrency int, backendName string) (*Pool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.initialized {
		return nil, ErrMisuse
	}
	if _, exists := rt.pools[name]; exists {
		return nil, ErrAlreadyRegistered
	}
	if backendName == "" {
		name, err := rt.resolveBackendName()
		if err != nil {
			return nil, err
		}
		backendName = name
	}
	factory, ok := lookupBackend(backendName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendName)
	}

	pool := &Pool{name: name}
	pool.threads = make([]ThreadID, concurrency)
	base := ThreadID(len(rt.loops))
	q := NewJobQueue(name)
	for i := 0; i < concurrency; i++ {
		id := base + ThreadID(i)
		pool.threads[i] = id
		l := newLoop(id, pool, factory(), rt.fds, DefaultMaxSleeptime)
		l.attachJobQueue(q, 256)
		rt.loops[id] = l
	}
	rt.pools[name] = pool
	rt.jobQueues[name] = q
	return pool, nil
}

// Pool looks up a pool by name.
func (rt *Runtime) Pool(name string) (*Pool, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.pools[name]
	return p, ok
}

// DefaultPool returns the pool created at Init.
func (rt *Runtime) DefaultPool() *Pool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.defaultPool
}

// JobQueue looks up a job queue by pool name.
func (rt *Runtime) JobQueue(name string) (*JobQueue, bool) {
	rt.jobQueuesMu.RLock()
	defer rt.jobQueuesMu.RUnlock()
	q, ok := rt.jobQueues[name]
	return q, ok
}

// ChooseOwner implements spec.md §4.8's choose_owner(n) against the
// default pool.
func (rt *Runtime) ChooseOwner(n int) ThreadID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return chooseOwner(rt.defaultPool, n)
}

// ChooseOwnerPool implements spec.md §4.8's choose_owner_pool(p, n).
func (rt *Runtime) ChooseOwnerPool(pool *Pool, n int) ThreadID {
	return chooseOwnerPool(pool, n)
}

// threadTag associates a goroutine with the (Runtime, ThreadID) of the
// Loop it is currently ticking.
type threadTag struct {
	rt *Runtime
	id ThreadID
}

// threadTags maps a goroutine id to the Loop it owns, for the duration of
// that Loop's Run. Go has no public goroutine-local storage, so the
// calling goroutine's id is recovered from its own stack trace header —
// the same technique several goroutine-identification shims in the
// ecosystem use — keyed into an ordinary sync.Map. This is scoped tightly:
// the only consumer is CurrentThread's same-goroutine fast path below.
var threadTags sync.Map // goroutine id (uint64) -> threadTag

// CurrentThread reports whether the calling goroutine is a Loop's owner
// goroutine, and if so which thread. Used internally by Add/Update to
// take an uncontended local path instead of the cross-thread queue when
// already on the target owner (SPEC_FULL.md §10, the original's
// eventer_in_loop()).
func (rt *Runtime) CurrentThread() (ThreadID, bool) {
	v, ok := threadTags.Load(goroutineID())
	if !ok {
		return 0, false
	}
	tag := v.(threadTag)
	if tag.rt != rt {
		return 0, false
	}
	return tag.id, true
}

func markCurrentThread(rt *Runtime, id ThreadID) func() {
	gid := goroutineID()
	threadTags.Store(gid, threadTag{rt: rt, id: id})
	return func() { threadTags.Delete(gid) }
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[len("goroutine "):n]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Add submits e. Its Kind (spec.md §3) determines routing: fd events go to
// the fd registry, timer events to the owner's timer heap, recurrent
// events to the owner's recurrent list. Asynch events must use AddAsynch.
// If e.Owner differs from the calling goroutine's current thread, the
// operation is handed to the owner's Loop via Submit and the owner is
// woken (spec.md §4.4 cross-thread add).
func (rt *Runtime) Add(e *Event) error {
	l, ok := rt.loopFor(e.Owner)
	if !ok {
		return ErrNotFound
	}
	if cur, ok := rt.CurrentThread(); ok && cur == e.Owner {
		return rt.addLocal(l, e)
	}
	if e.Kind() == KindFD {
		// spec.md §4.4: a cross-thread fd add carries CROSS_THREAD_TRIGGER
		// in its effective mask, so the owner's callback can see in
		// ev.Mask() that the event was added from another thread. The flag
		// stays there until the first dispatch replaces the mask with the
		// callback's return value; the callback's mask argument is the
		// backend readiness and does not carry it.
		e.setMask(e.Mask() | CrossThreadTrigger)
	}
	if l.State() == loopAwake {
		// The owner's Run goroutine hasn't started ticking yet, so nothing
		// will ever drain a Submit closure off pendingOps; the timer
		// heap/recurrent list/fd registry all guard themselves with their
		// own locks, so it's safe to mutate them directly instead of
		// blocking the caller forever.
		return rt.addLocal(l, e)
	}
	errCh := make(chan error, 1)
	if err := l.Submit(func() { errCh <- rt.addLocal(l, e) }); err != nil {
		return err
	}
	return <-errCh
}

func (rt *Runtime) addLocal(l *Loop, e *Event) error {
	switch e.Kind() {
	case KindFD:
		return rt.fds.add(e)
	case KindTimer:
		l.timers.AddTimed(e)
		return nil
	case KindRecurrent:
		l.recurrent.AddRecurrent(e)
		return nil
	default:
		return ErrMisuse
	}
}

// AddTimed is Add restricted to timer events, named for parity with
// spec.md's add_timed.
func (rt *Runtime) AddTimed(e *Event) error {
	if e.Kind() != KindTimer {
		return ErrMisuse
	}
	return rt.Add(e)
}

// AddRecurrent is Add restricted to recurrent events, named for parity
// with spec.md's add_recurrent.
func (rt *Runtime) AddRecurrent(e *Event) error {
	if e.Kind() != KindRecurrent {
		return ErrMisuse
	}
	return rt.Add(e)
}

// RemoveFD is Remove restricted to fd events.
func (rt *Runtime) RemoveFD(e *Event) error {
	if e.Kind() != KindFD {
		return ErrMisuse
	}
	return rt.Remove(e)
}

// RemoveTimed is Remove restricted to timer events, named for parity with
// spec.md's remove_timed.
func (rt *Runtime) RemoveTimed(e *Event) error {
	if e.Kind() != KindTimer {
		return ErrMisuse
	}
	return rt.Remove(e)
}

// RemoveRecurrent is Remove restricted to recurrent events, named for
// parity with spec.md's remove_recurrent.
func (rt *Runtime) RemoveRecurrent(e *Event) error {
	if e.Kind() != KindRecurrent {
		return ErrMisuse
	}
	return rt.Remove(e)
}

// Remove removes e from whichever structure its Kind indicates it lives
// in, derefing it on success.
func (rt *Runtime) Remove(e *Event) error {
	l, ok := rt.loopFor(e.Owner)
	if !ok {
		return ErrNotFound
	}
	switch e.Kind() {
	case KindFD:
		removed, err := rt.fds.remove(e)
		if err != nil {
			return err
		}
		Deref(removed)
		return nil
	case KindTimer:
		if !l.timers.RemoveTimed(e) {
			return ErrNotFound
		}
		Deref(e)
		return nil
	case KindRecurrent:
		removed, ok := l.recurrent.RemoveRecurrent(e)
		if !ok {
			return ErrNotFound
		}
		Deref(removed)
		return nil
	default:
		return ErrMisuse
	}
}

// Update changes the interest mask of a live fd event, re-arming the
// backend. Must eventually execute on e.Owner; if called from elsewhere it
// is routed through Submit like Add.
func (rt *Runtime) Update(e *Event, newMask Mask) error {
	l, ok := rt.loopFor(e.Owner)
	if !ok {
		return ErrNotFound
	}
	if cur, ok := rt.CurrentThread(); ok && cur == e.Owner {
		return rt.fds.update(e, newMask)
	}
	if l.State() == loopAwake {
		return rt.fds.update(e, newMask)
	}
	errCh := make(chan error, 1)
	if err := l.Submit(func() { errCh <- rt.fds.update(e, newMask) }); err != nil {
		return err
	}
	return <-errCh
}

// AddAsynch submits e to the named job queue (DefaultPoolName if queue is
// "").
func (rt *Runtime) AddAsynch(queue string, e *Event) error {
	if queue == "" {
		queue = DefaultPoolName
	}
	q, ok := rt.JobQueue(queue)
	if !ok {
		return ErrNotFound
	}
	return q.AddAsynch(e)
}

// Trigger synchronously invokes e's callback with mask outside of its
// normal readiness dispatch, re-registering it if the callback returns a
// non-zero mask (spec.md §4.4 trigger). Must run on e.Owner; callers on
// another thread should route through Add/Submit instead.
func (rt *Runtime) Trigger(e *Event, mask Mask) Mask {
	return rt.fds.trigger(e, mask, time.Now())
}

// ForeachFDEvent invokes fn for every live fd event across the whole
// process-wide registry (spec.md §4.4 foreach_fdevent). fn must not mutate
// the registry.
func (rt *Runtime) ForeachFDEvent(fn func(e *Event)) {
	rt.fds.foreachFDEvent(fn)
}

// ForeachTimed invokes fn for every timer resident on owner's loop
// (spec.md §4.3 foreach_timedevent). fn must not mutate the heap.
func (rt *Runtime) ForeachTimed(owner ThreadID, fn func(e *Event)) error {
	l, ok := rt.loopFor(owner)
	if !ok {
		return ErrNotFound
	}
	l.timers.ForeachTimed(fn)
	return nil
}

func (rt *Runtime) loopFor(id ThreadID) (*Loop, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	l, ok := rt.loops[id]
	return l, ok
}

// Run starts every loop thread's goroutine and blocks until ctx is done or
// Shutdown is called (spec.md §4.9 "loop() starts all pools' threads and
// blocks the caller as one of them" — here the caller blocks in Run while
// every thread runs on its own goroutine, the idiomatic Go reading of a
// blocking multi-thread call).
func (rt *Runtime) Run(ctx context.Context) error {
	rt.mu.RLock()
	if !rt.initialized {
		rt.mu.RUnlock()
		return ErrMisuse
	}
	loops := make([]*Loop, 0, len(rt.loops))
	for _, l := range rt.loops {
		loops = append(loops, l)
	}
	rt.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	rt.runCancel = cancel
	defer cancel()

	for _, l := range loops {
		l := l
		if err := l.Start(); err != nil {
			cancel()
			return err
		}
		g.Go(func() error {
			restore := markCurrentThread(rt, l.ID())
			defer restore()
			if err := l.Run(runCtx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown stops every loop thread and the watchdog, then closes every job
// queue, waiting up to the context deadline for graceful drain.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.RLock()
	loops := make([]*Loop, 0, len(rt.loops))
	for _, l := range rt.loops {
		loops = append(loops, l)
	}
	rt.mu.RUnlock()

	for _, l := range loops {
		l.Stop()
	}
	if rt.runCancel != nil {
		rt.runCancel()
	}
	if rt.watchdogStop != nil {
		select {
		case <-rt.watchdogStop:
		default:
			close(rt.watchdogStop)
		}
		<-rt.watchdogDone
	}

	rt.jobQueuesMu.RLock()
	queues := make([]*JobQueue, 0, len(rt.jobQueues))
	for _, q := range rt.jobQueues {
		queues = append(queues, q)
	}
	rt.jobQueuesMu.RUnlock()

	var first error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (rt *Runtime) watchdogLoop() {
	defer close(rt.watchdogDone)

	interval := rt.shortestWatchdogTimeout()
	if interval <= 0 {
		<-rt.watchdogStop
		return
	}
	interval /= 4
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.watchdogStop:
			return
		case <-ticker.C:
			rt.checkStalled()
		}
	}
}

func (rt *Runtime) shortestWatchdogTimeout() time.Duration {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var shortest time.Duration
	for _, p := range rt.pools {
		if p.WatchdogTimeout() <= 0 {
			continue
		}
		if shortest == 0 || p.WatchdogTimeout() < shortest {
			shortest = p.WatchdogTimeout()
		}
	}
	return shortest
}

func (rt *Runtime) checkStalled() {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	now := time.Now()
	for _, p := range rt.pools {
		timeout := p.WatchdogTimeout()
		if timeout <= 0 {
			continue
		}
		for _, id := range p.threads {
			l, ok := rt.loops[id]
			if !ok {
				continue
			}
			if now.Sub(l.Heartbeat()) > timeout {
				rt.reportStalled(p.name, id)
			}
		}
	}
}

func (rt *Runtime) reportStalled(pool string, thread ThreadID) {
	if rt.onStalled != nil {
		rt.onStalled(pool, thread)
		return
	}
	logf(LevelError, "eventer: loop thread stalled", "pool", pool, "thread", int(thread))
}
