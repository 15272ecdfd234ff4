//go:build darwin

package eventer

import (
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterBackend("kqueue", func() Backend { return &kqueueBackend{} })
}

// kqueueBackend is the Darwin/BSD multiplexer. Read/write interest on kqueue is
// expressed as separate filters rather than a combined event mask, so
// Arm issues EV_ADD/EV_DELETE per filter to reconcile the desired mask
// against what's currently registered.
type kqueueBackend struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	armed    map[int]Mask
}

func (b *kqueueBackend) Name() string { return "kqueue" }

func (b *kqueueBackend) Init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	b.kq = kq
	b.armed = make(map[int]Mask)
	return nil
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}

func (b *kqueueBackend) Arm(fd int, mask Mask) error {
	prev := b.armed[fd]
	var changes []unix.Kevent_t

	wantRead := mask&Read != 0
	hadRead := prev&Read != 0
	if wantRead != hadRead {
		flag := uint16(unix.EV_DELETE)
		if wantRead {
			flag = unix.EV_ADD | unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag})
	}

	wantWrite := mask&Write != 0
	hadWrite := prev&Write != 0
	if wantWrite != hadWrite {
		flag := uint16(unix.EV_DELETE)
		if wantWrite {
			flag = unix.EV_ADD | unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag})
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	b.armed[fd] = mask & (Read | Write | Excep)
	return nil
}

func (b *kqueueBackend) Disarm(fd int) error {
	prev, ok := b.armed[fd]
	if !ok {
		return nil
	}
	var changes []unix.Kevent_t
	if prev&Read != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if prev&Write != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	delete(b.armed, fd)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Wait(timeout time.Duration) ([]ReadyFD, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	merged := make(map[int]Mask, n)
	for i := 0; i < n; i++ {
		ev := b.eventBuf[i]
		fd := int(ev.Ident)
		var m Mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m = Read
		case unix.EVFILT_WRITE:
			m = Write
		}
		if ev.Flags&unix.EV_EOF != 0 {
			m |= Excep
		}
		merged[fd] |= m
	}

	out := make([]ReadyFD, 0, len(merged))
	for fd, m := range merged {
		out = append(out, ReadyFD{FD: fd, Mask: m})
	}
	return out, nil
}
