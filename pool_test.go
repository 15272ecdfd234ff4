package eventer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseOwnerSingleThread(t *testing.T) {
	p := &Pool{name: "default", threads: []ThreadID{0}}
	assert.Equal(t, ThreadID(0), chooseOwner(p, 0))
	assert.Equal(t, ThreadID(0), chooseOwner(p, 7))
}

func TestChooseOwnerReservesThreadZero(t *testing.T) {
	p := &Pool{name: "default", threads: []ThreadID{0, 1, 2, 3}}
	assert.Equal(t, ThreadID(0), chooseOwner(p, 0))
	// n=1..3 spread across threads 1..3.
	assert.Equal(t, ThreadID(1), chooseOwner(p, 1))
	assert.Equal(t, ThreadID(2), chooseOwner(p, 2))
	assert.Equal(t, ThreadID(3), chooseOwner(p, 3))
	// wraps after concurrency-1 distinct values.
	assert.Equal(t, ThreadID(1), chooseOwner(p, 4))
}

func TestChooseOwnerPoolRoundRobin(t *testing.T) {
	p := &Pool{name: "workers", threads: []ThreadID{10, 11, 12}}
	assert.Equal(t, ThreadID(10), chooseOwnerPool(p, 0))
	assert.Equal(t, ThreadID(11), chooseOwnerPool(p, 1))
	assert.Equal(t, ThreadID(12), chooseOwnerPool(p, 2))
	assert.Equal(t, ThreadID(10), chooseOwnerPool(p, 3))
}

func TestPoolAccessors(t *testing.T) {
	p := &Pool{name: "default", threads: []ThreadID{0, 1}}
	assert.Equal(t, "default", p.Name())
	assert.Equal(t, 2, p.Concurrency())
	assert.Equal(t, []ThreadID{0, 1}, p.Threads())

	assert.Zero(t, p.WatchdogTimeout())
}
