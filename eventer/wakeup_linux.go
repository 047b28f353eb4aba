//go:build linux

package eventer

import (
	"golang.org/x/sys/unix"
)

// newWakeFDs creates an eventfd, used as both ends.
func newWakeFDs() (rfd, wfd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

var wakeValue = [8]byte{1}
