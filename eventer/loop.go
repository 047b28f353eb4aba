package eventer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-eventer/internal/goroutineid"
	"github.com/joeycumines/logiface"
)

// Run drives the reactor on the calling goroutine until ctx is canceled or
// Close is called. The reactor cannot be restarted. Each iteration fires
// due timers, then recurrent callbacks, then waits for descriptor readiness
// for at most the time until the next timer (capped at the max sleep).
//
// Workers for the default job queue are started here, unless its
// concurrency was already set explicitly.
func (r *Reactor) Run(ctx context.Context) error {
	if r.onLoopGoroutine() {
		return ErrReentrantRun
	}

	r.mu.Lock()
	if !r.state.tryTransition(stateAwake, stateRunning) {
		st := r.state.load()
		r.mu.Unlock()
		if st == stateRunning {
			return ErrAlreadyRunning
		}
		return ErrClosed
	}
	maxSleep := r.cfg.maxSleep
	threads := r.cfg.defaultQueueThreads
	r.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.loopID.Store(goroutineid.Get())
	defer r.loopID.Store(0)

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	r.jobs.startDefault(threads)

	r.log.Debug().
		Str(`backend`, r.backend.Name()).
		Int(`queue_threads`, threads).
		Log(`reactor running`)

	var err error
	for r.state.load() == stateRunning && ctx.Err() == nil {
		if err = r.iterate(maxSleep); err != nil {
			r.log.Crit().
				Err(err).
				Str(`backend`, r.backend.Name()).
				Log(`reactor loop failed`)
			break
		}
	}

	r.shutdown()

	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Loop is Run without a context. It returns only after Close, or if the
// backend fails.
func (r *Reactor) Loop() error {
	return r.Run(context.Background())
}

// Close stops the reactor. If Run is in progress on another goroutine,
// Close wakes it and waits for it to finish shutting down. Calling Close
// from a callback returns immediately, and the loop exits after the current
// iteration.
func (r *Reactor) Close() error {
	for {
		switch r.state.load() {
		case stateAwake:
			if r.state.tryTransition(stateAwake, stateTerminating) {
				r.shutdown()
				return nil
			}
		case stateRunning:
			if r.state.tryTransition(stateRunning, stateTerminating) {
				r.wake()
				if !r.onLoopGoroutine() {
					<-r.done
				}
				return nil
			}
		default:
			return ErrClosed
		}
	}
}

// Done is closed once the reactor has fully shut down.
func (r *Reactor) Done() <-chan struct{} { return r.done }

func (r *Reactor) shutdown() {
	r.state.store(stateTerminating)

	r.mu.Lock()
	queues := r.queues
	r.queues = nil
	r.mu.Unlock()
	// completions are routed to backq, so it goes last
	for _, q := range queues {
		if q != r.backq {
			q.Close()
		}
	}
	r.backq.Close()

	r.detachWaker()
	if err := r.backend.Close(); err != nil {
		r.log.Err().
			Err(err).
			Str(`backend`, r.backend.Name()).
			Log(`backend close failed`)
	}
	r.waker.close()

	r.state.store(stateTerminated)
	close(r.done)

	r.log.Debug().Log(`reactor terminated`)
}

func (r *Reactor) iterate(maxSleep time.Duration) error {
	r.metrics.iterations.Add(1)

	r.dispatchTimers(time.Now())
	r.dispatchRecurrent(time.Now())

	// set before computing the budget, so timer insertion can't slip
	// between the two unnoticed
	r.sleeping.Store(true)
	timeout := r.sleepBudget(time.Now(), maxSleep)
	err := r.backend.Wait(timeout, r.collectReady)
	r.sleeping.Store(false)
	if err != nil {
		return fmt.Errorf(`%s wait: %w`, r.backend.Name(), err)
	}

	r.dispatchReady(time.Now())
	return nil
}

func (r *Reactor) sleepBudget(now time.Time, maxSleep time.Duration) time.Duration {
	if r.state.load() != stateRunning {
		return 0
	}
	next, ok := r.timers.next()
	if !ok {
		return maxSleep
	}
	return min(max(next.Sub(now), 0), maxSleep)
}

// dispatchTimers fires at most the timers due on entry, so timers added by
// callbacks cannot starve descriptor dispatch.
func (r *Reactor) dispatchTimers(now time.Time) {
	for n := r.timers.countDue(now); n > 0; n-- {
		t := r.timers.popDue(now)
		if t == nil {
			return
		}
		r.metrics.timersFired.Add(1)
		next := t.Callback(t, Timer, t.Closure, now)
		switch {
		case next == 0:
			t.unclaim(heldTimer)
			Release(t)
		case next&^Timer == 0:
			t.Mask = next
			r.requeueTimer(t)
		default:
			t.unclaim(heldTimer)
			t.Mask = next
			r.handoff(t)
		}
	}
}

// handoff re-registers a task whose callback returned a mask belonging to
// another kind of holder.
func (r *Reactor) handoff(t *Task) {
	if err := r.Add(t); err != nil {
		r.limited(logiface.LevelError, `handoff`).
			Err(err).
			Stringer(`task`, t).
			Log(`re-registration failed, releasing task`)
		Release(t)
	}
}

// collectReady coalesces readiness reports by descriptor.
func (r *Reactor) collectReady(fd int, mask Mask) {
	if mask == 0 {
		return
	}
	s := r.fds.peek(fd)
	if s == nil {
		return
	}
	if s.ready == 0 {
		r.readyFDs = append(r.readyFDs, fd)
	}
	s.ready |= mask
}

func (r *Reactor) dispatchReady(now time.Time) {
	for _, fd := range r.readyFDs {
		s := r.fds.peek(fd)
		mask := s.ready
		s.ready = 0
		r.dispatchFD(fd, s, mask, now)
	}
	r.readyFDs = r.readyFDs[:0]
}

// dispatchFD invokes the callback watching fd, once, with the ownership
// lock held. The callback may use the registration API on fd, and whatever
// it leaves registered takes precedence over its return value.
func (r *Reactor) dispatchFD(fd int, s *fdSlot, ready Mask, now time.Time) {
	how := s.acquire()
	defer s.release(how)

	t := s.task
	if t == nil {
		// removed before the events were delivered
		return
	}

	trigger := ready & (s.armed | Exception)
	if trigger == 0 {
		r.rearm(fd, s, s.armed)
		return
	}

	if t != r.waker.task {
		r.metrics.fdCallbacks.Add(1)
	}
	s.updated = false
	next := t.Callback(t, trigger, t.Closure, now)

	if s.task != t || s.updated {
		return
	}

	switch {
	case next == 0:
		r.deregister(fd, s)
		Release(t)
	case next&IOMask == 0:
		r.deregister(fd, s)
		t.Mask = next
		r.handoff(t)
	default:
		t.Mask = next
		r.rearm(fd, s, next&IOMask)
	}
}

// rearm applies the post-dispatch interest. On failure fd is unregistered,
// but the task is not released.
func (r *Reactor) rearm(fd int, s *fdSlot, next Mask) {
	if err := r.backend.Arm(fd, s.armed, next); err != nil {
		r.limited(logiface.LevelError, fd).
			Err(err).
			Stringer(`task`, s.task).
			Log(`re-arm failed, descriptor unregistered`)
		r.deregister(fd, s)
		return
	}
	s.armed = next
}
