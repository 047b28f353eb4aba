package eventer

import (
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type (
	// IOOps performs I/O for a descriptor task. Implementations translate
	// "would block" into the unix.EAGAIN error plus the interest mask to
	// re-arm with, so that callers can simply return that mask from their
	// callback.
	IOOps interface {
		Accept(t *Task) (fd int, sa unix.Sockaddr, mask Mask, err error)
		Read(t *Task, p []byte) (n int, mask Mask, err error)
		Write(t *Task, p []byte) (n int, mask Mask, err error)
		Close(t *Task) (mask Mask, err error)
	}

	// POSIXOps performs I/O directly on Task.FD.
	POSIXOps struct{}

	// ConnOps adapts a net.Conn, e.g. a *tls.Conn, to IOOps. The task's FD
	// should be the descriptor underlying Conn, which is what the reactor
	// watches. Reads and writes are bounded by a short deadline, which is
	// mapped to unix.EAGAIN.
	//
	// A *tls.Conn is unusable after a write deadline expires, so writes
	// through ConnOps should be small enough to complete immediately.
	ConnOps struct {
		Conn net.Conn
		// Poll is the deadline applied to each call, defaults to
		// DefaultConnPoll.
		Poll time.Duration
	}
)

// DefaultConnPoll is the default ConnOps.Poll.
const DefaultConnPoll = time.Millisecond

var (
	_ IOOps = POSIXOps{}
	_ IOOps = (*ConnOps)(nil)
)

// WouldBlock reports whether err is the try-again indicator.
func WouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// SetNonblock puts fd into non-blocking, close-on-exec mode.
func SetNonblock(fd int) error {
	unix.CloseOnExec(fd)
	return unix.SetNonblock(fd, true)
}

func (POSIXOps) Accept(t *Task) (int, unix.Sockaddr, Mask, error) {
	for {
		fd, sa, err := unix.Accept(t.FD)
		switch {
		case err == nil:
			if err := SetNonblock(fd); err != nil {
				_ = unix.Close(fd)
				return -1, nil, 0, err
			}
			return fd, sa, 0, nil
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case WouldBlock(err):
			return -1, nil, Read, unix.EAGAIN
		default:
			return -1, nil, 0, err
		}
	}
}

func (POSIXOps) Read(t *Task, p []byte) (int, Mask, error) {
	for {
		n, err := unix.Read(t.FD, p)
		switch {
		case err == nil:
			return n, 0, nil
		case err == unix.EINTR:
			continue
		case WouldBlock(err):
			return 0, Read, unix.EAGAIN
		default:
			return 0, 0, err
		}
	}
}

func (POSIXOps) Write(t *Task, p []byte) (int, Mask, error) {
	for {
		n, err := unix.Write(t.FD, p)
		switch {
		case err == nil:
			return n, 0, nil
		case err == unix.EINTR:
			continue
		case WouldBlock(err):
			if n < 0 {
				n = 0
			}
			return n, Write, unix.EAGAIN
		default:
			return 0, 0, err
		}
	}
}

func (POSIXOps) Close(t *Task) (Mask, error) {
	return 0, unix.Close(t.FD)
}

func (x *ConnOps) poll() time.Duration {
	if x.Poll > 0 {
		return x.Poll
	}
	return DefaultConnPoll
}

func (x *ConnOps) Accept(*Task) (int, unix.Sockaddr, Mask, error) {
	return -1, nil, 0, ErrNotSupported
}

func (x *ConnOps) Read(_ *Task, p []byte) (int, Mask, error) {
	if err := x.Conn.SetReadDeadline(time.Now().Add(x.poll())); err != nil {
		return 0, 0, err
	}
	n, err := x.Conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, 0, nil
		}
		return 0, Read, unix.EAGAIN
	}
	return n, 0, err
}

func (x *ConnOps) Write(_ *Task, p []byte) (int, Mask, error) {
	if err := x.Conn.SetWriteDeadline(time.Now().Add(x.poll())); err != nil {
		return 0, 0, err
	}
	n, err := x.Conn.Write(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, Write, unix.EAGAIN
	}
	return n, 0, err
}

func (x *ConnOps) Close(*Task) (Mask, error) {
	return 0, x.Conn.Close()
}
