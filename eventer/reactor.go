package eventer

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eventer/internal/goroutineid"
	"github.com/joeycumines/logiface"
)

// Reactor is the event processing context. All registration methods are
// safe to call from any goroutine, including from within callbacks. Run
// drives the loop on one goroutine, locked to its OS thread.
type Reactor struct {
	backend     Backend
	log         *logiface.Logger[logiface.Event]
	warnLimit   *catrate.Limiter
	names       *Names
	fds         *fdTable
	timers      *timerQueue
	jobs        *JobQueue
	backq       *JobQueue
	completions *Task
	waker       *waker
	done        chan struct{}

	recurrentBuf []*Task
	readyFDs     []int
	queues       []*JobQueue // guarded by mu

	recurrent recurrentSet
	metrics   reactorMetrics
	state     fastState

	cfg        reactorOptions // guarded by mu
	registered atomic.Int64
	loopID     atomic.Uint64
	sleeping   atomic.Bool
	mu         sync.Mutex
}

// New constructs a reactor. No goroutines are started until Run.
func New(opts ...Option) (*Reactor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	if cfg.fdLimit == 0 {
		if cfg.fdLimit, err = defaultFDLimit(); err != nil {
			return nil, fmt.Errorf(`%w: getrlimit: %w`, ErrInit, err)
		}
	}

	r := &Reactor{
		log:       cfg.logger,
		warnLimit: newWarnLimiter(),
		names:     newNames(),
		fds:       newFDTable(cfg.fdLimit),
		timers:    newTimerQueue(),
		done:      make(chan struct{}),
		cfg:       *cfg,
	}
	if cfg.metricsEnabled {
		r.metrics.enableLatency()
	}

	r.jobs = r.newJobQueue(`default`, cfg.queueCapacity)
	r.backq = r.newJobQueue(`backq`, 0)

	if r.waker, err = newWaker(); err != nil {
		return nil, fmt.Errorf(`%w: wakeup fd: %w`, ErrInit, err)
	}
	r.names.Register(`eventer_wakeup`, r.waker.drain)

	backend, err := newBackend(cfg.backend)
	if err != nil {
		r.waker.close()
		return nil, fmt.Errorf(`%w: %w`, ErrInit, err)
	}
	if err := r.installBackend(backend); err != nil {
		r.waker.close()
		return nil, err
	}

	r.completions = NewRecurrentTask(r.drainCompletions, nil)
	r.names.Register(`eventer_drain_completions`, r.drainCompletions)
	r.AddRecurrent(r.completions)

	r.log.Info().
		Str(`backend`, backend.Name()).
		Int(`fd_limit`, cfg.fdLimit).
		Log(`reactor initialized`)

	return r, nil
}

// installBackend initializes b, and moves the wakeup descriptor into it.
func (r *Reactor) installBackend(b Backend) error {
	if err := b.Init(r.fds.limit); err != nil {
		return fmt.Errorf(`%w: %s: %w`, ErrInit, b.Name(), err)
	}
	if old := r.backend; old != nil {
		r.detachWaker()
		if err := old.Close(); err != nil {
			r.log.Warning().Err(err).Str(`backend`, old.Name()).Log(`close of replaced backend failed`)
		}
	}
	r.backend = b
	return r.attachWaker()
}

// attachWaker registers the wakeup descriptor, which is not counted as a
// registration, and is invisible to FindFD and friends.
func (r *Reactor) attachWaker() error {
	s, how, err := r.fds.acquire(r.waker.rfd)
	if err != nil {
		return fmt.Errorf(`%w: wakeup fd: %w`, ErrInit, err)
	}
	defer s.release(how)
	t := r.waker.task
	t.claim(heldPoller)
	if err := r.backend.Arm(t.FD, 0, Read); err != nil {
		t.unclaim(heldPoller)
		return fmt.Errorf(`%w: wakeup fd: %w`, ErrInit, err)
	}
	s.task, s.armed = t, Read
	return nil
}

func (r *Reactor) detachWaker() {
	s, how, err := r.fds.acquire(r.waker.rfd)
	if err != nil {
		return
	}
	defer s.release(how)
	if s.task != r.waker.task {
		return
	}
	_ = r.backend.Arm(r.waker.rfd, s.armed, 0)
	s.task.unclaim(heldPoller)
	s.task, s.armed = nil, 0
}

// Backend returns the name of the selected backend.
func (r *Reactor) Backend() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend.Name()
}

// Names returns the reactor's callback name registry.
func (r *Reactor) Names() *Names { return r.names }

// Jobs returns the default job queue, which receives every Async task
// passed to Add.
func (r *Reactor) Jobs() *JobQueue { return r.jobs }

// Propset sets a string property, before Run. Recognized keys are
// implementation, default_queue_threads, queue_capacity, max_sleep, and
// fd_limit. Anything else is offered to the backend (e.g. max_events), and
// rejected with ErrUnknownProperty if it isn't recognized there either.
func (r *Reactor) Propset(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.state.load(); st != stateAwake {
		if st == stateRunning {
			return ErrAlreadyRunning
		}
		return ErrClosed
	}

	if err := r.propset(key, value); err != nil {
		return err
	}

	r.log.Debug().
		Str(`key`, key).
		Str(`value`, value).
		Log(`property set`)

	return nil
}

func (r *Reactor) propset(key, value string) error {
	invalid := func(err error) error {
		return fmt.Errorf(`eventer: invalid %s %q: %w`, key, value, err)
	}

	switch key {
	case `implementation`:
		if value == r.backend.Name() {
			return nil
		}
		if r.registered.Load() != 0 {
			return fmt.Errorf(`eventer: cannot change implementation with descriptors registered`)
		}
		b, err := newBackend(value)
		if err != nil {
			return err
		}
		if err := r.installBackend(b); err != nil {
			return err
		}
		r.cfg.backend = value

	case `default_queue_threads`:
		n, err := strconv.Atoi(value)
		if err == nil && n < 0 {
			err = strconv.ErrRange
		}
		if err != nil {
			return invalid(err)
		}
		r.cfg.defaultQueueThreads = n

	case `queue_capacity`:
		n, err := strconv.Atoi(value)
		if err == nil && n <= 0 {
			err = strconv.ErrRange
		}
		if err != nil {
			return invalid(err)
		}
		r.cfg.queueCapacity = n
		r.jobs.setCapacity(n)

	case `max_sleep`:
		d, err := time.ParseDuration(value)
		if err == nil && d <= 0 {
			err = strconv.ErrRange
		}
		if err != nil {
			return invalid(err)
		}
		r.cfg.maxSleep = d

	case `fd_limit`:
		n, err := strconv.Atoi(value)
		if err == nil && n <= 0 {
			err = strconv.ErrRange
		}
		if err != nil {
			return invalid(err)
		}
		if r.registered.Load() != 0 {
			return fmt.Errorf(`eventer: cannot change fd_limit with descriptors registered`)
		}
		n = clampFDLimit(n)
		if r.waker.rfd >= n {
			return invalid(ErrFDOutOfRange)
		}
		r.detachWaker()
		r.fds = newFDTable(n)
		if err := r.attachWaker(); err != nil {
			return err
		}
		r.cfg.fdLimit = n

	default:
		if err := r.backend.Propset(key, value); err != nil {
			if err == ErrUnknownProperty {
				return fmt.Errorf(`%w: %q`, ErrUnknownProperty, key)
			}
			return err
		}
	}

	return nil
}

// Add registers t, routing it by its mask: Async tasks become jobs on the
// default queue, Recurrent tasks join the recurrent set, Timer tasks are
// queued by Whence, and anything else watches t.FD.
//
// Adding a task that is already registered, or was released, panics with a
// *ContractViolation (except Recurrent, for which it is a no-op).
func (r *Reactor) Add(t *Task) error {
	switch {
	case t.Mask&Async != 0:
		return r.AddJob(r.jobs, t)
	case t.Mask&Recurrent != 0:
		r.AddRecurrent(t)
		return nil
	case t.Mask&Timer != 0:
		r.addTimer(t)
		return nil
	default:
		return r.addFD(t)
	}
}

// AddTimer registers a timer firing after d.
func (r *Reactor) AddTimer(d time.Duration, cb Callback, closure any) *Task {
	t := NewTimerTask(time.Now().Add(d), cb, closure)
	r.addTimer(t)
	return t
}

func (r *Reactor) addTimer(t *Task) {
	t.claim(heldTimer)
	r.requeueTimer(t)
}

// requeueTimer inserts a task already held by the timer queue.
func (r *Reactor) requeueTimer(t *Task) {
	if r.timers.insert(t) && r.sleeping.Load() && !r.onLoopGoroutine() {
		r.wake()
	}
}

func (r *Reactor) addFD(t *Task) error {
	if r.state.load() == stateTerminated {
		return ErrClosed
	}
	s, how, err := r.fds.acquire(t.FD)
	if err != nil {
		return err
	}
	defer s.release(how)

	t.claim(heldPoller)
	if s.task != nil {
		t.unclaim(heldPoller)
		return fmt.Errorf(`%w: fd=%d`, ErrFDAlreadyRegistered, t.FD)
	}

	mask := t.Mask & IOMask
	if err := r.backend.Arm(t.FD, 0, mask); err != nil {
		t.unclaim(heldPoller)
		return err
	}
	s.task, s.armed = t, mask
	r.registered.Add(1)
	r.armed()

	return nil
}

// armed wakes the loop if the backend won't see changes until its current
// wait ends.
func (r *Reactor) armed() {
	if sw, ok := r.backend.(staleWaiter); ok && sw.staleWhileWaiting() && r.sleeping.Load() && !r.onLoopGoroutine() {
		r.wake()
	}
}

// Remove unregisters t, returning it. It returns ErrNotRegistered if t is
// not (or no longer) registered, e.g. a timer that is already firing.
// Removing an Async task panics with a *ContractViolation: a job cannot be
// withdrawn, it completes or times out.
func (r *Reactor) Remove(t *Task) (*Task, error) {
	h := holder(t.held.Load())
	if h == heldJob || (h == heldNone && t.Mask&Async != 0) {
		panic(&ContractViolation{Op: `remove of async task`, Task: t})
	}
	switch h {
	case heldTimer:
		if r.timers.remove(t) {
			t.unclaim(heldTimer)
			return t, nil
		}
	case heldRecurrent:
		if r.RemoveRecurrent(t) {
			return t, nil
		}
	case heldPoller:
		if t == r.waker.task {
			break
		}
		s, how, err := r.fds.acquire(t.FD)
		if err != nil {
			return nil, err
		}
		defer s.release(how)
		if s.task == t {
			r.deregister(t.FD, s)
			return t, nil
		}
	}
	return nil, ErrNotRegistered
}

// RemoveFD unregisters and returns whatever task is watching fd.
func (r *Reactor) RemoveFD(fd int) (*Task, error) {
	s, how, err := r.fds.acquire(fd)
	if err != nil {
		return nil, err
	}
	defer s.release(how)
	t := s.task
	if t == nil || t == r.waker.task {
		return nil, ErrNotRegistered
	}
	r.deregister(fd, s)
	return t, nil
}

// deregister clears a slot held by the caller. Disassociation errors are
// expected when the descriptor was already closed, and are only logged.
func (r *Reactor) deregister(fd int, s *fdSlot) {
	if err := r.backend.Arm(fd, s.armed, 0); err != nil {
		r.log.Debug().Err(err).Int(`fd`, fd).Log(`disassociate failed`)
	}
	s.task.unclaim(heldPoller)
	s.task, s.armed = nil, 0
	r.registered.Add(-1)
}

// FindFD returns the task watching fd, or nil.
func (r *Reactor) FindFD(fd int) *Task {
	s := r.fds.peek(fd)
	if s == nil {
		return nil
	}
	how := s.acquire()
	defer s.release(how)
	if s.task == r.waker.task {
		return nil
	}
	return s.task
}

// Update changes the interest of a registered descriptor task.
func (r *Reactor) Update(t *Task, mask Mask) error {
	s, how, err := r.fds.acquire(t.FD)
	if err != nil {
		return err
	}
	defer s.release(how)
	if s.task != t || t == r.waker.task {
		return ErrNotRegistered
	}
	next := mask & IOMask
	if err := r.backend.Arm(t.FD, s.armed, next); err != nil {
		return err
	}
	s.armed = next
	s.updated = true
	t.Mask = t.Mask&^IOMask | next
	r.armed()
	return nil
}

func (r *Reactor) onLoopGoroutine() bool {
	id := r.loopID.Load()
	return id != 0 && id == goroutineid.Get()
}

func (r *Reactor) wake() {
	if err := r.waker.wake(); err != nil {
		r.limited(logiface.LevelError, `wake`).
			Err(err).
			Log(`wakeup failed`)
	}
}
