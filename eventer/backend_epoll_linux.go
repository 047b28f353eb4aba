//go:build linux

package eventer

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBackend = `epoll`

const defaultMaxEvents = 256

// epollBackend is either level oriented, where the interest set persists
// and only changes are sent to the kernel, or one-shot, where the kernel
// disarms an fd after each report and Arm must re-associate it every time.
type epollBackend struct {
	events    []unix.EpollEvent
	epfd      int
	maxEvents int
	oneshot   bool
}

func init() {
	RegisterBackend(`epoll`, func() Backend { return &epollBackend{epfd: -1} })
	RegisterBackend(`epoll-oneshot`, func() Backend { return &epollBackend{epfd: -1, oneshot: true} })
}

func (x *epollBackend) Name() string {
	if x.oneshot {
		return `epoll-oneshot`
	}
	return `epoll`
}

func (x *epollBackend) Init(int) error {
	if x.maxEvents <= 0 {
		x.maxEvents = defaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf(`epoll_create1: %w`, err)
	}
	x.epfd = epfd
	x.events = make([]unix.EpollEvent, x.maxEvents)
	return nil
}

func (x *epollBackend) Propset(key, value string) error {
	switch key {
	case `max_events`:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf(`eventer: invalid max_events %q`, value)
		}
		x.maxEvents = n
		if x.events != nil {
			x.events = make([]unix.EpollEvent, n)
		}
		return nil
	default:
		return ErrUnknownProperty
	}
}

func (x *epollBackend) event(fd int, mask Mask) *unix.EpollEvent {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if mask&Read != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if mask&Exception != 0 {
		ev.Events |= unix.EPOLLPRI
	}
	if x.oneshot {
		ev.Events |= unix.EPOLLONESHOT
	}
	return &ev
}

func (x *epollBackend) Arm(fd int, prev, next Mask) error {
	prev &= IOMask
	next &= IOMask
	var op int
	switch {
	case prev == 0 && next == 0:
		return nil
	case prev == 0:
		op = unix.EPOLL_CTL_ADD
	case next == 0:
		op = unix.EPOLL_CTL_DEL
	case prev == next && !x.oneshot:
		return nil
	default:
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(x.epfd, op, fd, x.event(fd, next)); err != nil {
		return fmt.Errorf(`epoll_ctl(%d, fd=%d): %w`, op, fd, err)
	}
	return nil
}

func (x *epollBackend) Wait(timeout time.Duration, ready func(fd int, mask Mask)) error {
	n, err := unix.EpollWait(x.epfd, x.events, durationToMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := range x.events[:n] {
		ready(int(x.events[i].Fd), epollToMask(x.events[i].Events))
	}
	return nil
}

func (x *epollBackend) Close() error {
	if x.epfd < 0 {
		return nil
	}
	err := unix.Close(x.epfd)
	x.epfd = -1
	return err
}

func epollToMask(events uint32) (mask Mask) {
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		mask |= Read
	}
	if events&unix.EPOLLOUT != 0 {
		mask |= Write
	}
	if events&(unix.EPOLLPRI|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		mask |= Exception
	}
	return mask
}
