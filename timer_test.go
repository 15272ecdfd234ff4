package eventer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerHeapOrdersByDeadline(t *testing.T) {
	h := newTimerHeap()
	base := time.Now()

	var fired []int
	mk := func(id int, delay time.Duration) *Event {
		e := Alloc()
		e.setMask(Timer)
		e.Whence = base.Add(delay)
		e.Callback = func(ev *Event, mask Mask, closure any, now time.Time) Mask {
			fired = append(fired, closure.(int))
			return 0
		}
		e.Closure = id
		return e
	}

	h.AddTimed(mk(3, 30*time.Millisecond))
	h.AddTimed(mk(1, 10*time.Millisecond))
	h.AddTimed(mk(2, 20*time.Millisecond))

	next, ok := h.peekDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Millisecond), next)

	_, ok = h.dispatchTimed(base.Add(25 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, fired)

	_, ok = h.dispatchTimed(base.Add(35 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, []int{1, 2, 3}, fired)
}

func TestTimerHeapBreaksTiesByInsertionOrder(t *testing.T) {
	h := newTimerHeap()
	deadline := time.Now().Add(10 * time.Millisecond)

	var fired []int
	mk := func(id int) *Event {
		e := Alloc()
		e.setMask(Timer)
		e.Whence = deadline
		e.Callback = func(ev *Event, mask Mask, closure any, now time.Time) Mask {
			fired = append(fired, closure.(int))
			return 0
		}
		e.Closure = id
		return e
	}

	h.AddTimed(mk(1))
	h.AddTimed(mk(2))
	h.AddTimed(mk(3))

	_, ok := h.dispatchTimed(deadline)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 2, 3}, fired)
}

func TestTimerHeapRemoveTimed(t *testing.T) {
	h := newTimerHeap()
	e := NewTimed(time.Now().Add(time.Hour), func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	h.AddTimed(e)

	assert.True(t, h.RemoveTimed(e))
	assert.False(t, h.RemoveTimed(e))
}

func TestTimerDispatchReschedulesWhenMaskKeepsTimer(t *testing.T) {
	h := newTimerHeap()
	base := time.Now()
	calls := 0
	e := Alloc()
	e.setMask(Timer)
	e.Whence = base
	e.Callback = func(ev *Event, mask Mask, closure any, now time.Time) Mask {
		calls++
		if calls < 2 {
			ev.Whence = now.Add(time.Millisecond)
			return Timer
		}
		return 0
	}
	h.AddTimed(e)

	_, ok := h.dispatchTimed(base)
	require.True(t, ok)
	assert.Equal(t, 1, calls)

	_, ok = h.dispatchTimed(base.Add(2 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}
