//go:build unix

package eventer

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable fallback, built on poll(2). The interest set
// lives in user space, so Arm only edits a slice, and a Wait already in
// progress doesn't observe the change.
type pollBackend struct {
	index   map[int]int
	fds     []unix.PollFd
	scratch []unix.PollFd
	mu      sync.Mutex
}

func init() {
	RegisterBackend(`poll`, func() Backend { return &pollBackend{} })
}

func (x *pollBackend) Name() string { return `poll` }

func (x *pollBackend) Init(int) error {
	x.index = make(map[int]int)
	return nil
}

func (x *pollBackend) Propset(string, string) error { return ErrUnknownProperty }

func (x *pollBackend) staleWhileWaiting() bool { return true }

func (x *pollBackend) Arm(fd int, prev, next Mask) error {
	next &= IOMask
	x.mu.Lock()
	defer x.mu.Unlock()
	i, ok := x.index[fd]
	switch {
	case next == 0:
		if !ok {
			return nil
		}
		last := len(x.fds) - 1
		if i != last {
			x.fds[i] = x.fds[last]
			x.index[int(x.fds[i].Fd)] = i
		}
		x.fds = x.fds[:last]
		delete(x.index, fd)
	case ok:
		x.fds[i].Events = maskToPoll(next)
	default:
		x.index[fd] = len(x.fds)
		x.fds = append(x.fds, unix.PollFd{Fd: int32(fd), Events: maskToPoll(next)})
	}
	return nil
}

func (x *pollBackend) Wait(timeout time.Duration, ready func(fd int, mask Mask)) error {
	x.mu.Lock()
	x.scratch = append(x.scratch[:0], x.fds...)
	x.mu.Unlock()
	n, err := unix.Poll(x.scratch, durationToMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; n > 0 && i < len(x.scratch); i++ {
		if x.scratch[i].Revents == 0 {
			continue
		}
		n--
		ready(int(x.scratch[i].Fd), pollToMask(x.scratch[i].Revents))
	}
	return nil
}

func (x *pollBackend) Close() error { return nil }

func maskToPoll(mask Mask) (events int16) {
	if mask&Read != 0 {
		events |= unix.POLLIN
	}
	if mask&Write != 0 {
		events |= unix.POLLOUT
	}
	if mask&Exception != 0 {
		events |= unix.POLLPRI
	}
	return events
}

func pollToMask(revents int16) (mask Mask) {
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 {
		mask |= Read
	}
	if revents&unix.POLLOUT != 0 {
		mask |= Write
	}
	if revents&(unix.POLLPRI|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		mask |= Exception
	}
	return mask
}

// durationToMillis rounds up, so that a short positive timeout doesn't
// degrade into a busy poll.
func durationToMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
