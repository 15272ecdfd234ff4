package eventer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventAllocRefcount(t *testing.T) {
	before := AllocationsCurrent()
	e := Alloc()
	require.Equal(t, int32(1), int32(e.refcount.Load()))
	assert.Equal(t, before+1, AllocationsCurrent())

	Ref(e)
	assert.Equal(t, int32(2), int32(e.refcount.Load()))

	Deref(e)
	assert.Equal(t, int32(1), int32(e.refcount.Load()))
	assert.Equal(t, before+1, AllocationsCurrent())

	Deref(e)
	assert.Equal(t, before, AllocationsCurrent())
}

func TestEventDerefUnderflowPanics(t *testing.T) {
	e := Alloc()
	Deref(e)
	assert.Panics(t, func() { Deref(e) })
}

func TestEventKindClassification(t *testing.T) {
	fd := NewFD(3, Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	assert.Equal(t, KindFD, fd.Kind())

	timed := NewTimed(time.Now(), func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	assert.Equal(t, KindTimer, timed.Kind())

	rec := NewRecurrent(func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	assert.Equal(t, KindRecurrent, rec.Kind())

	as := NewAsynch(func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	assert.Equal(t, KindAsynch, as.Kind())
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "NONE", Mask(0).String())
	assert.Equal(t, "READ|WRITE", (Read | Write).String())
	assert.Contains(t, (Read | CrossThreadTrigger).String(), "CROSS_THREAD_TRIGGER")
}

func TestEventNameAndCancelled(t *testing.T) {
	e := Alloc()
	assert.Equal(t, "", e.Name())
	e.SetName("conn-42")
	assert.Equal(t, "conn-42", e.Name())

	assert.False(t, e.Cancelled())
	e.cancelRequested.Store(true)
	assert.True(t, e.Cancelled())
}
