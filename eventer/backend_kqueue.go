//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventer

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBackend = `kqueue`

// kqueueBackend watches each direction with its own filter, so Arm adds and
// deletes READ and WRITE filters individually. Exception has no filter of
// its own, it is reported via EV_EOF and EV_ERROR on the others, so it
// cannot be watched alone.
type kqueueBackend struct {
	events    []unix.Kevent_t
	kq        int
	maxEvents int
}

func init() {
	RegisterBackend(`kqueue`, func() Backend { return &kqueueBackend{kq: -1} })
}

func (x *kqueueBackend) Name() string { return `kqueue` }

func (x *kqueueBackend) Init(int) error {
	if x.maxEvents <= 0 {
		x.maxEvents = defaultMaxEvents
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf(`kqueue: %w`, err)
	}
	unix.CloseOnExec(kq)
	x.kq = kq
	x.events = make([]unix.Kevent_t, x.maxEvents)
	return nil
}

const defaultMaxEvents = 256

func (x *kqueueBackend) Propset(key, value string) error {
	switch key {
	case `max_events`:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf(`eventer: invalid max_events %q`, value)
		}
		x.maxEvents = n
		if x.events != nil {
			x.events = make([]unix.Kevent_t, n)
		}
		return nil
	default:
		return ErrUnknownProperty
	}
}

func (x *kqueueBackend) Arm(fd int, prev, next Mask) error {
	if next&Exception != 0 && next&(Read|Write) == 0 {
		return fmt.Errorf(`%w: kqueue cannot watch exception alone (fd=%d)`, ErrNotSupported, fd)
	}
	var changes [2]unix.Kevent_t
	var n int
	for _, v := range [...]struct {
		bit    Mask
		filter int
	}{
		{Read, unix.EVFILT_READ},
		{Write, unix.EVFILT_WRITE},
	} {
		switch {
		case next&v.bit != 0 && prev&v.bit == 0:
			unix.SetKevent(&changes[n], fd, v.filter, unix.EV_ADD|unix.EV_ENABLE)
			n++
		case next&v.bit == 0 && prev&v.bit != 0:
			unix.SetKevent(&changes[n], fd, v.filter, unix.EV_DELETE)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	for {
		_, err := unix.Kevent(x.kq, changes[:n], nil, nil)
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
			continue
		case next == 0 && errors.Is(err, unix.ENOENT):
			// the descriptor was closed, which dropped its filters
			return nil
		default:
			return fmt.Errorf(`kevent(fd=%d): %w`, fd, err)
		}
	}
}

func (x *kqueueBackend) Wait(timeout time.Duration, ready func(fd int, mask Mask)) error {
	ts := unix.NsecToTimespec(int64(timeout))
	n, err := unix.Kevent(x.kq, nil, x.events, &ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := range x.events[:n] {
		ev := &x.events[i]
		var mask Mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			mask = Read
		case unix.EVFILT_WRITE:
			mask = Write
		}
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			mask |= Exception
		}
		ready(int(ev.Ident), mask)
	}
	return nil
}

func (x *kqueueBackend) Close() error {
	if x.kq < 0 {
		return nil
	}
	err := unix.Close(x.kq)
	x.kq = -1
	return err
}
