//go:build darwin

package eventer

import "golang.org/x/sys/unix"

// createWakeFD creates a self-pipe for wake-up notifications (SPEC_FULL.md
// §4.5). Darwin's unix package has no Pipe2, so the two fds are opened
// blocking with unix.Pipe and switched to non-blocking individually; the
// read end is armed as an ordinary EVFILT_READ interest on the kqueue
// backend like any other fd.
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
		unix.CloseOnExec(fd)
	}
	return fds[0], fds[1], nil
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
	_ = unix.Close(writeFD)
}

func writeWake(writeFD int) error {
	var buf [1]byte
	_, err := unix.Write(writeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func drainWake(readFD int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(readFD, buf[:]); err != nil {
			return
		}
	}
}
