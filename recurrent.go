package eventer

import (
	"container/list"
	"sync"
	"time"
)

// recurrentList is the per-thread ordered list of events fired every tick
// (SPEC_FULL.md §4.7). Order of AddRecurrent calls is dispatch order.
type recurrentList struct {
	mu   sync.Mutex
	l    *list.List
	elem map[*Event]*list.Element
}

func newRecurrentList() *recurrentList {
	return &recurrentList{l: list.New(), elem: make(map[*Event]*list.Element)}
}

// AddRecurrent appends e. Idempotent: re-adding an already-present event is
// a no-op.
func (r *recurrentList) AddRecurrent(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elem[e]; ok {
		return
	}
	r.elem[e] = r.l.PushBack(e)
	e.recurrentLinked = true
}

// RemoveRecurrent unlinks e and returns it, or (nil, false) if not present.
func (r *recurrentList) RemoveRecurrent(e *Event) (*Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.elem[e]
	if !ok {
		return nil, false
	}
	r.l.Remove(el)
	delete(r.elem, e)
	e.recurrentLinked = false
	return e, true
}

// dispatchRecurrent invokes every callback in list order with mask
// RECURRENT; the returned mask is ignored — removal only happens via
// RemoveRecurrent.
func (r *recurrentList) dispatchRecurrent(now time.Time) {
	r.mu.Lock()
	snapshot := make([]*Event, 0, r.l.Len())
	for el := r.l.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, el.Value.(*Event))
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		_ = e.Callback(e, Recurrent, e.Closure, now)
	}
}
