package eventer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventer/internal/goroutineid"
)

type (
	// Callback is the single callback shape used by every kind of task. The
	// mask describes why it was invoked (the trigger), and the returned mask
	// decides what happens next: 0 releases the task, anything else re-arms
	// it with that interest.
	Callback func(t *Task, mask Mask, closure any, now time.Time) Mask

	// Task describes one unit of work: a descriptor to watch, a timer, a
	// recurrent callback, or a blocking job. A task has exactly one holder at
	// a time, and is never shared between holders.
	Task struct {
		Callback Callback

		// Whence is the absolute deadline of a Timer task, or the hard
		// deadline of an Async task (zero means no deadline).
		Whence time.Time

		// Closure is passed through to Callback untouched.
		Closure any

		// Ops performs I/O on FD, nil means POSIXOps.
		Ops IOOps

		FD   int
		Mask Mask

		job atomic.Pointer[Job]
		// invocations maps the goroutine running each AsyncWork call to its
		// job, which outlives t.job if the call is abandoned
		invocations sync.Map
		held        atomic.Uint32
		// seq orders timers with equal deadlines, guarded by the timer lock
		seq uint64
	}

	holder uint32
)

const (
	heldNone holder = iota
	heldPoller
	heldTimer
	heldRecurrent
	heldJob
	heldReleased
)

var holderNames = [...]string{
	heldNone:      `none`,
	heldPoller:    `poller`,
	heldTimer:     `timer`,
	heldRecurrent: `recurrent`,
	heldJob:       `job`,
	heldReleased:  `released`,
}

func (h holder) String() string {
	if int(h) < len(holderNames) {
		return holderNames[h]
	}
	return fmt.Sprintf(`holder(%d)`, uint32(h))
}

// NewTask allocates a task with the given callback, mask, and closure. FD is
// initialized to -1.
func NewTask(cb Callback, mask Mask, closure any) *Task {
	return &Task{
		Callback: cb,
		Mask:     mask,
		Closure:  closure,
		FD:       -1,
	}
}

// NewFDTask allocates a task watching fd for the given interest.
func NewFDTask(fd int, mask Mask, cb Callback, closure any) *Task {
	t := NewTask(cb, mask, closure)
	t.FD = fd
	return t
}

// NewTimerTask allocates a one-shot timer firing at whence.
func NewTimerTask(whence time.Time, cb Callback, closure any) *Task {
	t := NewTask(cb, Timer, closure)
	t.Whence = whence
	return t
}

// NewAsyncTask allocates a blocking job. A positive timeout sets Whence to
// now+timeout, measured from this call.
func NewAsyncTask(timeout time.Duration, cb Callback, closure any) *Task {
	t := NewTask(cb, Async, closure)
	if timeout > 0 {
		t.Whence = time.Now().Add(timeout)
	}
	return t
}

// NewRecurrentTask allocates a callback to be fired once per loop iteration.
func NewRecurrentTask(cb Callback, closure any) *Task {
	return NewTask(cb, Recurrent, closure)
}

// Release marks t as no longer in use. It panics with a *ContractViolation
// if t is still registered anywhere, or was already released.
func Release(t *Task) {
	for {
		switch h := holder(t.held.Load()); h {
		case heldNone:
			if t.held.CompareAndSwap(uint32(heldNone), uint32(heldReleased)) {
				return
			}
		case heldReleased:
			panic(&ContractViolation{Op: `double release`, Task: t})
		default:
			panic(&ContractViolation{Op: `release while held by ` + h.String(), Task: t})
		}
	}
}

// Registered reports whether t is currently held by a reactor.
func (t *Task) Registered() bool {
	h := holder(t.held.Load())
	return h != heldNone && h != heldReleased
}

// Released reports whether Release has been called on t.
func (t *Task) Released() bool {
	return holder(t.held.Load()) == heldReleased
}

// Context returns the job context while t is running as a job. It is
// canceled when the job's deadline fires, with cause ErrJobTimeout, or by
// CancelJob, with cause ErrJobCanceled. From within the work phase it is
// always the context of the job that invoked it, even after that call was
// abandoned. Outside a job, it returns context.Background().
func (t *Task) Context() context.Context {
	if job, ok := t.invocations.Load(goroutineid.Get()); ok {
		return job.(*Job).ctx
	}
	if job := t.job.Load(); job != nil {
		return job.ctx
	}
	return context.Background()
}

func (t *Task) String() string {
	if t == nil {
		return `task(nil)`
	}
	return fmt.Sprintf(`task(fd=%d mask=%s cb=%s held=%s)`, t.FD, t.Mask, funcName(t.Callback), holder(t.held.Load()))
}

// IO returns t.Ops, or POSIXOps if unset.
func (t *Task) IO() IOOps {
	if t.Ops != nil {
		return t.Ops
	}
	return POSIXOps{}
}

// claim transfers t from no holder to h. Recurrent registration is
// idempotent, so claiming heldRecurrent twice reports false without
// panicking.
func (t *Task) claim(h holder) bool {
	if t.held.CompareAndSwap(uint32(heldNone), uint32(h)) {
		return true
	}
	switch cur := holder(t.held.Load()); {
	case cur == h && h == heldRecurrent:
		return false
	case cur == heldReleased:
		panic(&ContractViolation{Op: `add after release`, Task: t})
	default:
		panic(&ContractViolation{Op: `add while held by ` + cur.String(), Task: t})
	}
}

// unclaim transfers t from h back to no holder, reporting success.
func (t *Task) unclaim(h holder) bool {
	return t.held.CompareAndSwap(uint32(h), uint32(heldNone))
}
