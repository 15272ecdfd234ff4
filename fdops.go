package eventer

import (
	"crypto/tls"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// errWouldBlock is the error an fd op returns on would-block, together
// with the interest bits needed to make progress in its outMask result,
// matching the original C contract's "EAGAIN: write needed mask into
// *out_mask" (SPEC_FULL.md §4.4).
var errWouldBlock = errors.New("eventer: fd op would block")

// FDOps is the pluggable accept/read/write/close vtable fd-event callbacks
// use instead of calling raw read/write directly, so a protocol layer can
// swap plain sockets for TLS (or anything else) without the scheduler core
// knowing the difference (SPEC_FULL.md §4.4).
//
// On would-block, an op returns (n, errWouldBlock) and sets outMask to the
// interest bits (Read/Write) needed to make progress; the fd callback is
// expected to return that mask to re-arm the fd for the right readiness.
type FDOps interface {
	Accept(fd int) (newFD int, addr unix.Sockaddr, outMask Mask, err error)
	Read(fd int, buf []byte) (n int, outMask Mask, err error)
	Write(fd int, buf []byte) (n int, outMask Mask, err error)
	Close(fd int) (outMask Mask, err error)
	Name() string
}

// PlainFDOps is an FDOps implementation over raw POSIX sockets, using
// golang.org/x/sys/unix directly (no net.Conn indirection) so the would-
// block signalling matches the original's raw-fd contract exactly.
type PlainFDOps struct{}

func (PlainFDOps) Name() string { return "plain" }

func (PlainFDOps) Accept(fd int) (int, unix.Sockaddr, Mask, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return -1, nil, Read, errWouldBlock
		}
		return -1, nil, 0, err
	}
	return nfd, sa, 0, nil
}

func (PlainFDOps) Read(fd int, buf []byte) (int, Mask, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, Read, errWouldBlock
		}
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, io.EOF
	}
	return n, 0, nil
}

func (PlainFDOps) Write(fd int, buf []byte) (int, Mask, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return n, Write, errWouldBlock
		}
		return n, 0, err
	}
	return n, 0, nil
}

func (PlainFDOps) Close(fd int) (Mask, error) {
	return 0, unix.Close(fd)
}

// TLSFDOps adapts a *tls.Conn into the FDOps vtable, realizing the
// "pluggable fd operation set... plain sockets, TLS" indirection
// (SPEC_FULL.md §4.4). The *tls.Conn is carried in Event.OpsCtx; callers
// must populate it before the first ReadCtx/WriteCtx.
//
// tls.Conn is not fd-oriented (it wraps a net.Conn), so would-block here
// means "the TLS state machine needs more input/output than is currently
// available," signalled the same way as PlainFDOps: a timeout error from
// the conn is translated into Read (ReadCtx) or Write (WriteCtx) with
// errWouldBlock. ReadCtx and WriteCtx set no deadline themselves; a
// timeout only occurs if the caller has set one on the conn.
type TLSFDOps struct{}

func (TLSFDOps) Name() string { return "tls" }

func (TLSFDOps) Accept(fd int) (int, unix.Sockaddr, Mask, error) {
	return -1, nil, 0, errors.New("eventer: TLSFDOps does not implement Accept; layer PlainFDOps.Accept then wrap the result in tls.Server")
}

func connFromCtx(ctx any) (*tls.Conn, error) {
	conn, ok := ctx.(*tls.Conn)
	if !ok || conn == nil {
		return nil, errors.New("eventer: TLSFDOps requires Event.OpsCtx to hold a *tls.Conn")
	}
	return conn, nil
}

func (TLSFDOps) ReadCtx(ctx any, buf []byte) (int, Mask, error) {
	conn, err := connFromCtx(ctx)
	if err != nil {
		return 0, 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return n, Read, errWouldBlock
		}
		return n, 0, err
	}
	return n, 0, nil
}

func (TLSFDOps) WriteCtx(ctx any, buf []byte) (int, Mask, error) {
	conn, err := connFromCtx(ctx)
	if err != nil {
		return 0, 0, err
	}
	n, err := conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return n, Write, errWouldBlock
		}
		return n, 0, err
	}
	return n, 0, nil
}

// Read/Write/Close on TLSFDOps are provided to satisfy FDOps, but the fd
// itself is not meaningful for a tls.Conn's data path — use ReadCtx/
// WriteCtx against Event.OpsCtx instead. These exist so TLSFDOps can still
// be named/registered uniformly alongside PlainFDOps.
func (TLSFDOps) Read(fd int, buf []byte) (int, Mask, error) {
	return 0, 0, errors.New("eventer: use TLSFDOps.ReadCtx(event.OpsCtx, buf)")
}

func (TLSFDOps) Write(fd int, buf []byte) (int, Mask, error) {
	return 0, 0, errors.New("eventer: use TLSFDOps.WriteCtx(event.OpsCtx, buf)")
}

func (TLSFDOps) Close(fd int) (Mask, error) {
	return 0, unix.Close(fd)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
