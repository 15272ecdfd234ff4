package eventer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecurrentListOrderAndIdempotency(t *testing.T) {
	l := newRecurrentList()
	var order []int

	mk := func(id int) *Event {
		e := Alloc()
		e.Closure = id
		e.Callback = func(ev *Event, mask Mask, closure any, now time.Time) Mask {
			order = append(order, closure.(int))
			return mask
		}
		return e
	}

	a, b, c := mk(1), mk(2), mk(3)
	l.AddRecurrent(a)
	l.AddRecurrent(b)
	l.AddRecurrent(c)
	// re-adding an already-present event is a no-op.
	l.AddRecurrent(b)

	l.dispatchRecurrent(time.Now())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRecurrentListRemove(t *testing.T) {
	l := newRecurrentList()
	e := Alloc()
	e.Callback = func(*Event, Mask, any, time.Time) Mask { return 0 }
	l.AddRecurrent(e)

	removed, ok := l.RemoveRecurrent(e)
	assert.True(t, ok)
	assert.Same(t, e, removed)

	_, ok = l.RemoveRecurrent(e)
	assert.False(t, ok)
}
