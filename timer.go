package eventer

import (
	"container/heap"
	"sync"
	"time"
)

// timerHeap is a min-heap of *Event keyed by Event.Whence, one per loop
// thread (SPEC_FULL.md §4.3). It implements container/heap.Interface
// directly over *Event so Event.heapIndex can be kept in sync for O(log n)
// removal by stored index.
type timerHeap struct {
	mu    sync.Mutex
	items []*Event
	seq   int64
}

func newTimerHeap() *timerHeap {
	return &timerHeap{}
}

func (h *timerHeap) Len() int { return len(h.items) }

// Less orders by deadline, breaking ties by insertion order so equal
// deadlines dispatch FIFO (spec.md §5 property 5).
func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Whence.Equal(b.Whence) {
		return a.heapSeq < b.heapSeq
	}
	return a.Whence.Before(b.Whence)
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*Event)
	e.heapIndex = len(h.items)
	e.heapSeq = h.seq
	h.seq++
	h.items = append(h.items, e)
}

func (h *timerHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	h.items = old[:n-1]
	return e
}

// AddTimed inserts e into the heap. e.Whence must already be set.
func (h *timerHeap) AddTimed(e *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(h, e)
}

// RemoveTimed removes e from the heap by its stored index in O(log n).
// Returns false if e is not resident (already fired, or never added).
func (h *timerHeap) RemoveTimed(e *Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.heapIndex < 0 || e.heapIndex >= len(h.items) || h.items[e.heapIndex] != e {
		return false
	}
	heap.Remove(h, e.heapIndex)
	return true
}

// ForeachTimed invokes fn for every resident event, under the heap's lock.
// fn must not mutate the heap.
func (h *timerHeap) ForeachTimed(fn func(e *Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.items {
		fn(e)
	}
}

// peekDeadline returns the root deadline and whether the heap is
// non-empty, without popping.
func (h *timerHeap) peekDeadline() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return h.items[0].Whence, true
}

// dispatchTimed pops and invokes every event with Whence <= now, on the
// calling (owner) thread, and returns the next deadline (or ok=false if the
// heap is now empty).
//
// Re-insertion reads e.Whence *after* the callback returns — the Open
// Question in spec.md §9 is resolved as "the callback reschedules itself"
// by mutating Whence in place before returning a mask that still includes
// TIMER.
func (h *timerHeap) dispatchTimed(now time.Time) (next time.Time, ok bool) {
	var due []*Event
	h.mu.Lock()
	for len(h.items) > 0 && !h.items[0].Whence.After(now) {
		due = append(due, heap.Pop(h).(*Event))
	}
	h.mu.Unlock()

	for _, e := range due {
		newMask := e.Callback(e, Timer, e.Closure, now)
		if newMask&Timer != 0 {
			e.setMask(newMask)
			h.mu.Lock()
			heap.Push(h, e)
			h.mu.Unlock()
		} else {
			Deref(e)
		}
	}

	return h.peekDeadline()
}
