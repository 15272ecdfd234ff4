//go:build linux

package eventer

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd for wake-up notifications (SPEC_FULL.md
// §4.5). Linux uses a single fd for both ends.
func createWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
}

func writeWake(writeFD int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(writeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func drainWake(readFD int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(readFD, buf[:]); err != nil {
			return
		}
	}
}
