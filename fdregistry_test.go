package eventer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory Backend stand-in for exercising
// fdRegistry without real fds.
type fakeBackend struct {
	mu    sync.Mutex
	armed map[int]Mask
}

func newFakeBackend() *fakeBackend { return &fakeBackend{armed: make(map[int]Mask)} }

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Init() error  { return nil }
func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) Arm(fd int, mask Mask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed[fd] = mask
	return nil
}

func (b *fakeBackend) Disarm(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.armed, fd)
	return nil
}

func (b *fakeBackend) Wait(time.Duration) ([]ReadyFD, error) { return nil, nil }

func (b *fakeBackend) maskOf(fd int) (Mask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.armed[fd]
	return m, ok
}

func newTestRegistry(backend Backend) *fdRegistry {
	return newFDRegistry(64, func(ThreadID) (Backend, bool) { return backend, true })
}

func TestFDRegistryAddRemove(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(backend)

	e := NewFD(5, Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	require.NoError(t, r.add(e))

	m, ok := backend.maskOf(5)
	require.True(t, ok)
	assert.Equal(t, Read, m)

	got, ok := r.findFD(5)
	require.True(t, ok)
	assert.Same(t, e, got)

	err := r.add(e)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	removed, err := r.removeFD(5)
	require.NoError(t, err)
	assert.Same(t, e, removed)
	_, ok = backend.maskOf(5)
	assert.False(t, ok)

	_, err = r.removeFD(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFDRegistryUpdate(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(backend)

	e := NewFD(7, Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	require.NoError(t, r.add(e))

	require.NoError(t, r.update(e, Read|Write))
	m, _ := backend.maskOf(7)
	assert.Equal(t, Read|Write, m)
	assert.Equal(t, Read|Write, e.Mask())
}

func TestFDRegistryDispatchReadyRearmsOrRemoves(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(backend)

	calls := 0
	e := NewFD(9, Read, PlainFDOps{}, func(ev *Event, mask Mask, closure any, now time.Time) Mask {
		calls++
		if calls == 1 {
			return Read | Write
		}
		return 0
	}, nil)
	require.NoError(t, r.add(e))

	r.dispatchReady(9, Read, 0, time.Now())
	m, ok := backend.maskOf(9)
	require.True(t, ok)
	assert.Equal(t, Read|Write, m)

	r.dispatchReady(9, Read, 0, time.Now())
	_, ok = backend.maskOf(9)
	assert.False(t, ok)
	_, ok = r.findFD(9)
	assert.False(t, ok)
}

func TestFDRegistryResourceExhausted(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(backend)
	e := NewFD(1000, Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	err := r.add(e)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}
