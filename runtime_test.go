package eventer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRuntime(t *testing.T, concurrency int) *Runtime {
	t.Helper()
	rt, err := New(Config{Concurrency: concurrency, WatchdogTimeout: 0})
	require.NoError(t, err)
	require.NoError(t, rt.Init())
	return rt
}

func runRuntime(t *testing.T, rt *Runtime, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		_ = rt.Shutdown(context.Background())
		<-done
	})
}

// S1: timers on the same owner fire in deadline order regardless of
// insertion order.
func TestScenarioTimerOrdering(t *testing.T) {
	rt := newTestRuntime(t, 1)
	owner := rt.ChooseOwner(0)

	var mu sync.Mutex
	var order []string
	base := time.Now().Add(50 * time.Millisecond)
	mk := func(label string, delay time.Duration) *Event {
		e := NewTimed(base.Add(delay), func(*Event, Mask, any, time.Time) Mask {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return 0
		}, nil)
		e.Owner = owner
		return e
	}

	require.NoError(t, rt.AddTimed(mk("A", 50*time.Millisecond)))
	require.NoError(t, rt.AddTimed(mk("B", 10*time.Millisecond)))
	require.NoError(t, rt.AddTimed(mk("C", 30*time.Millisecond)))

	runRuntime(t, rt, 500*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

// S2: a READ fd event wired to a PlainFDOps socketpair echoes data back.
func TestScenarioFDEcho(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	serverFD, clientFD := fds[0], fds[1]
	defer unix.Close(clientFD)

	rt := newTestRuntime(t, 1)
	owner := rt.ChooseOwner(0)

	var ops PlainFDOps
	e := NewFD(serverFD, Read, ops, func(ev *Event, mask Mask, closure any, now time.Time) Mask {
		buf := make([]byte, 64)
		n, _, err := ops.Read(ev.FD, buf)
		if err != nil {
			return Read
		}
		_, _, _ = ops.Write(ev.FD, buf[:n])
		return Read
	}, nil)
	e.Owner = owner
	require.NoError(t, rt.Add(e))

	runRuntime(t, rt, 2*time.Second)

	_, err = unix.Write(clientFD, []byte("ping"))
	require.NoError(t, err)

	deadline := time.Now().Add(1500 * time.Millisecond)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := unix.Read(clientFD, buf)
		if err == nil && n > 0 {
			assert.Equal(t, "ping", string(buf[:n]))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("echo never arrived")
}

// S3: a timer added with an owner other than the calling goroutine still
// runs on that owner thread.
func TestScenarioCrossThreadAdd(t *testing.T) {
	rt := newTestRuntime(t, 4)
	target := rt.ChooseOwner(0)

	var gotOwner atomic.Int64
	done := make(chan struct{})
	e := NewTimed(time.Now().Add(20*time.Millisecond), func(ev *Event, mask Mask, closure any, now time.Time) Mask {
		id, ok := rt.CurrentThread()
		if !ok {
			id = -1
		}
		gotOwner.Store(int64(id))
		close(done)
		return 0
	}, nil)
	e.Owner = target

	runRuntime(t, rt, time.Second)

	require.NoError(t, rt.AddTimed(e))

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer never fired")
	}
	assert.Equal(t, int64(target), gotOwner.Load())
}

// S4: an asynch event's WORK completes before CLEANUP begins, and CLEANUP
// runs on the event's owner loop thread.
func TestScenarioAsynchRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, 2)
	owner := rt.ChooseOwner(0)

	var sideEffect atomic.Bool
	cleanupDone := make(chan ThreadID, 1)
	e := NewAsynch(func(ev *Event, mask Mask, closure any, now time.Time) Mask {
		if mask&AsynchWork != 0 {
			time.Sleep(50 * time.Millisecond)
			sideEffect.Store(true)
			return mask
		}
		id, ok := rt.CurrentThread()
		if !ok {
			id = -1
		}
		cleanupDone <- id
		return 0
	}, nil)
	e.Owner = owner

	runRuntime(t, rt, 2*time.Second)

	require.NoError(t, rt.AddAsynch("", e))

	select {
	case cleanupOwner := <-cleanupDone:
		assert.True(t, sideEffect.Load())
		assert.Equal(t, owner, cleanupOwner)
	case <-time.After(time.Second):
		t.Fatal("cleanup never ran")
	}
}

// S6: a recurrent event fires at least once per maxSleeptime interval, and
// stops after RemoveRecurrent.
func TestScenarioRecurrentFiresEveryTick(t *testing.T) {
	rt := newTestRuntime(t, 1)
	owner := rt.ChooseOwner(0)

	var count atomic.Int64
	e := NewRecurrent(func(*Event, Mask, any, time.Time) Mask {
		count.Add(1)
		return Recurrent
	}, nil)
	e.Owner = owner

	runRuntime(t, rt, 5*time.Second)
	require.NoError(t, rt.AddRecurrent(e))

	assert.Eventually(t, func() bool { return count.Load() >= 2 }, 3*DefaultMaxSleeptime, 10*time.Millisecond)

	require.NoError(t, rt.RemoveRecurrent(e))
	n := count.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, count.Load())
}

// Add before Run must not deadlock: the owner loop hasn't started ticking
// yet, so Add takes the local path instead of blocking on a Submit that
// nothing would ever drain.
func TestAddBeforeRunDoesNotDeadlock(t *testing.T) {
	rt := newTestRuntime(t, 1)
	owner := rt.ChooseOwner(0)

	done := make(chan struct{})
	e := NewTimed(time.Now().Add(20*time.Millisecond), func(*Event, Mask, any, time.Time) Mask {
		close(done)
		return 0
	}, nil)
	e.Owner = owner

	addDone := make(chan error, 1)
	go func() { addDone <- rt.AddTimed(e) }()

	select {
	case err := <-addDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Add before Run deadlocked")
	}

	runRuntime(t, rt, time.Second)

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer added before Run never fired")
	}
}

func TestForeachTimedAndFDEvent(t *testing.T) {
	rt := newTestRuntime(t, 1)
	owner := rt.ChooseOwner(0)
	runRuntime(t, rt, 2*time.Second)

	e := NewTimed(time.Now().Add(time.Hour), func(*Event, Mask, any, time.Time) Mask { return 0 }, nil)
	e.Owner = owner
	require.NoError(t, rt.AddTimed(e))

	var seen []*Event
	require.NoError(t, rt.ForeachTimed(owner, func(ev *Event) { seen = append(seen, ev) }))
	assert.Contains(t, seen, e)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	fe := NewFD(fds[0], Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return Read }, nil)
	fe.Owner = owner
	require.NoError(t, rt.Add(fe))

	var fdSeen []*Event
	rt.ForeachFDEvent(func(ev *Event) { fdSeen = append(fdSeen, ev) })
	assert.Contains(t, fdSeen, fe)
}

// A cross-thread fd add carries CROSS_THREAD_TRIGGER in the event's
// effective mask (spec.md §4.4).
func TestCrossThreadFDAddSetsTriggerFlag(t *testing.T) {
	rt := newTestRuntime(t, 4)
	owner := rt.ChooseOwner(0)
	runRuntime(t, rt, time.Second)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fe := NewFD(fds[0], Read, PlainFDOps{}, func(*Event, Mask, any, time.Time) Mask { return Read }, nil)
	fe.Owner = owner
	require.NoError(t, rt.Add(fe))

	assert.NotZero(t, fe.Mask()&CrossThreadTrigger)
}
