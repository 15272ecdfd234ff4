package eventer

import "time"

// Pool is a named group of peer loop threads (SPEC_FULL.md §4.8).
type Pool struct {
	name            string
	threads         []ThreadID
	watchdogTimeout time.Duration
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Concurrency returns the number of threads in p.
func (p *Pool) Concurrency() int { return len(p.threads) }

// Threads returns the thread ids that make up p, in owner-selection order.
func (p *Pool) Threads() []ThreadID {
	out := make([]ThreadID, len(p.threads))
	copy(out, p.threads)
	return out
}

// SetWatchdogTimeout configures p's deadman: a loop thread whose heartbeat
// (published at the end of every tick, SPEC_FULL.md §4.8) is older than
// timeout is reported to the hook installed with WithOnStalledThread
// (logged at Error level when none is installed).
//
// The runtime's watchdog derives its scan interval from the pools'
// timeouts once, when Init starts it: if no pool had a non-zero timeout at
// that point, no thread is ever reported, whatever is set afterwards.
func (p *Pool) SetWatchdogTimeout(timeout time.Duration) {
	p.watchdogTimeout = timeout
}

// WatchdogTimeout returns p's configured deadman timeout, zero if unset
// (watchdog disabled for this pool).
func (p *Pool) WatchdogTimeout() time.Duration { return p.watchdogTimeout }

// chooseOwner implements spec.md §4.8's choose_owner(n) against the
// default pool: thread 0 is reserved for callers that flagged their
// workload as not thread-safe (n == 0); any other n spreads across
// threads 1..concurrency-1.
func chooseOwner(p *Pool, n int) ThreadID {
	c := p.Concurrency()
	if c == 0 {
		panicInvariant("empty pool", p.name)
	}
	if c == 1 {
		return p.threads[0]
	}
	if n == 0 {
		return p.threads[0]
	}
	idx := 1 + mod(n-1, c-1)
	return p.threads[idx]
}

// chooseOwnerPool implements spec.md §4.8's choose_owner_pool(p, n) for
// non-default pools: uniform round robin, no reserved thread 0.
func chooseOwnerPool(p *Pool, n int) ThreadID {
	c := p.Concurrency()
	if c == 0 {
		panicInvariant("empty pool", p.name)
	}
	idx := mod(n, c)
	return p.threads[idx]
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
