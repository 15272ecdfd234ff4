//go:build !windows && !linux && !darwin

package eventer

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterBackend("poll", func() Backend { return &pollBackend{} })
}

// pollBackend is the fallback multiplexer for unix platforms without
// epoll or kqueue (spec.md §1: "the concrete I/O multiplexer... is an
// interchangeable backend"). It keeps its own fd->mask map and rebuilds
// the pollfd slice passed to unix.Poll on every Wait, trading some CPU for
// not needing a native readiness-registration syscall at all.
type pollBackend struct {
	mu    sync.Mutex
	armed map[int]Mask
}

func (b *pollBackend) Name() string { return "poll" }

func (b *pollBackend) Init() error {
	b.armed = make(map[int]Mask)
	return nil
}

func (b *pollBackend) Close() error { return nil }

func (b *pollBackend) Arm(fd int, mask Mask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed[fd] = mask & (Read | Write | Excep)
	return nil
}

func (b *pollBackend) Disarm(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.armed, fd)
	return nil
}

func maskToPollEvents(m Mask) int16 {
	var ev int16
	if m&Read != 0 {
		ev |= unix.POLLIN
	}
	if m&Write != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *pollBackend) Wait(timeout time.Duration) ([]ReadyFD, error) {
	b.mu.Lock()
	fds := make([]unix.PollFd, 0, len(b.armed))
	for fd, mask := range b.armed {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: maskToPollEvents(mask)})
	}
	b.mu.Unlock()

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]ReadyFD, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		var m Mask
		if pfd.Revents&unix.POLLIN != 0 {
			m |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			m |= Write
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			m |= Excep
		}
		out = append(out, ReadyFD{FD: int(pfd.Fd), Mask: m})
	}
	return out, nil
}
