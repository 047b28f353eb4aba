//go:build unix && !linux

package eventer

import (
	"golang.org/x/sys/unix"
)

// newWakeFDs creates a self-pipe, both ends non-blocking and close-on-exec.
func newWakeFDs() (rfd, wfd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}

var wakeValue = [1]byte{1}
