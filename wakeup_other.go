//go:build !linux && !darwin

package eventer

import "golang.org/x/sys/unix"

// createWakeFD creates a self-pipe for wake-up notifications
// (SPEC_FULL.md §4.5), used on platforms without eventfd or kqueue
// (darwin has its own Pipe2-free variant in wakeup_darwin.go).
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
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
