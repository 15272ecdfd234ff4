package eventer

import "sync/atomic"

// loopState is the lifecycle state of a Loop.
//
//	loopAwake -> loopRunning -> loopSleeping -> loopRunning -> ... -> loopTerminating -> loopTerminated
//
// Every transition up to loopTerminating goes through CAS (TryTransition),
// so a Run called twice or a Stop racing shutdown fails closed instead of
// silently stomping state; loopTerminated is set with Store and is terminal.
type loopState uint64

const (
	loopAwake loopState = iota
	loopRunning
	loopSleeping
	loopTerminating
	loopTerminated
)

func (s loopState) String() string {
	switch s {
	case loopAwake:
		return "awake"
	case loopRunning:
		return "running"
	case loopSleeping:
		return "sleeping"
	case loopTerminating:
		return "terminating"
	case loopTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// atomicState is a lock-free state machine used by Loop to coordinate
// shutdown against the tick goroutine without a mutex on the hot path.
type atomicState struct {
	v atomic.Uint64
}

func newAtomicState(initial loopState) *atomicState {
	s := &atomicState{}
	s.v.Store(uint64(initial))
	return s
}

func (s *atomicState) Load() loopState { return loopState(s.v.Load()) }

func (s *atomicState) Store(v loopState) { s.v.Store(uint64(v)) }

func (s *atomicState) TryTransition(from, to loopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
