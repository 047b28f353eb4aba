package eventer

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// waker interrupts a blocking Backend.Wait. The read end is registered with
// the backend like any other descriptor, with drain as its callback.
type waker struct {
	task    *Task
	rfd     int
	wfd     int
	pending atomic.Bool
}

func newWaker() (*waker, error) {
	rfd, wfd, err := newWakeFDs()
	if err != nil {
		return nil, err
	}
	w := &waker{rfd: rfd, wfd: wfd}
	w.task = NewFDTask(rfd, Read, w.drain, nil)
	return w, nil
}

// wake is safe to call from any goroutine. Calls made while a wakeup is
// already pending are coalesced.
func (w *waker) wake() error {
	if !w.pending.CompareAndSwap(false, true) {
		return nil
	}
	for {
		_, err := unix.Write(w.wfd, wakeValue[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// already readable
			return nil
		default:
			return err
		}
	}
}

// drain empties the descriptor before clearing pending. A wake that lands
// while draining is either consumed here, with the loop already awake, or
// writes after pending is cleared.
func (w *waker) drain(*Task, Mask, any, time.Time) Mask {
	var buf [64]byte
	for {
		_, err := unix.Read(w.rfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			break
		}
	}
	w.pending.Store(false)
	return Read
}

func (w *waker) close() {
	_ = unix.Close(w.rfd)
	if w.wfd != w.rfd {
		_ = unix.Close(w.wfd)
	}
}
