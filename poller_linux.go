//go:build linux

package eventer

import (
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterBackend("epoll", func() Backend { return &epollBackend{} })
}

// epollBackend is the Linux multiplexer: a single epoll fd with a
// preallocated EpollEvent buffer for Wait. Interest bookkeeping lives in
// the caller's fdRegistry (one process-wide table), not here —
// epollBackend is purely Arm/Disarm/Wait over raw epoll.
type epollBackend struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func (b *epollBackend) Name() string { return "epoll" }

func (b *epollBackend) Init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	b.epfd = fd
	return nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}

func maskToEpoll(m Mask) uint32 {
	var ev uint32
	if m&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	if m&Excep != 0 {
		ev |= unix.EPOLLPRI
	}
	return ev
}

func epollToMask(ev uint32) Mask {
	var m Mask
	if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		m |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if ev&(unix.EPOLLERR|unix.EPOLLPRI) != 0 {
		m |= Excep
	}
	return m
}

func (b *epollBackend) Arm(fd int, mask Mask) error {
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	}
	return err
}

func (b *epollBackend) Disarm(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (b *epollBackend) Wait(timeout time.Duration) ([]ReadyFD, error) {
	ms := durationToEpollMillis(timeout)
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ReadyFD, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ReadyFD{FD: int(b.eventBuf[i].Fd), Mask: epollToMask(b.eventBuf[i].Events)})
	}
	return out, nil
}

func durationToEpollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms > int64(int(^uint(0)>>1)) {
		ms = int64(int(^uint(0) >> 1))
	}
	return int(ms)
}
