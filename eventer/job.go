package eventer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// JobState is the lifecycle stage of a Job.
type JobState uint32

const (
	JobQueued JobState = iota
	JobRunning
	// JobTimedOutBeforeStart means the deadline fired while queued, and the
	// work phase was skipped.
	JobTimedOutBeforeStart
	// JobTimedOutDuringRun means the deadline fired during the work phase.
	JobTimedOutDuringRun
	JobCompleted
	// JobCanceled means CancelJob was called before the job finished.
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return `queued`
	case JobRunning:
		return `running`
	case JobTimedOutBeforeStart:
		return `timed_out_before_start`
	case JobTimedOutDuringRun:
		return `timed_out_during_run`
	case JobCompleted:
		return `completed`
	case JobCanceled:
		return `canceled`
	default:
		return `unknown`
	}
}

// Job tracks one Async task through a JobQueue. The task's callback is
// invoked up to three times: with AsyncWork on a worker (skipped if the
// deadline fired first), with AsyncCleanup on a worker (exactly once), and
// finally with Async on the reactor goroutine, where its return value
// decides whether the task is re-registered or released.
type Job struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	task    *Task
	timeout *Task
	queue   *JobQueue

	created  time.Time
	started  time.Time // guarded by mu
	finished time.Time // guarded by mu

	worker    uint64 // guarded by mu
	state     JobState
	cleanedUp atomic.Bool
	poison    bool
	mu        sync.Mutex
}

func newJob(q *JobQueue, t *Task) *Job {
	job := &Job{
		task:    t,
		queue:   q,
		created: time.Now(),
	}
	job.ctx, job.cancel = context.WithCancelCause(q.ctx)
	return job
}

// Task returns the job's task.
func (x *Job) Task() *Task { return x.task }

// State returns the job's current state.
func (x *Job) State() JobState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// TimedOut reports whether the job's deadline fired before it finished.
func (x *Job) TimedOut() bool {
	switch x.State() {
	case JobTimedOutBeforeStart, JobTimedOutDuringRun:
		return true
	default:
		return false
	}
}

// Times returns when the job was queued, started, and finished. Unset times
// are zero.
func (x *Job) Times() (created, started, finished time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.created, x.started, x.finished
}

// expire is called by the deadline timer. A queued job will never run its
// work phase, a running one has its context canceled.
func (x *Job) expire() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case JobQueued:
		x.state = JobTimedOutBeforeStart
	case JobRunning:
		x.state = JobTimedOutDuringRun
	default:
		return false
	}
	x.cancel(ErrJobTimeout)
	return true
}

func (x *Job) abort() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case JobQueued, JobRunning:
		x.state = JobCanceled
	default:
		return false
	}
	x.cancel(ErrJobCanceled)
	return true
}

// jobTimeoutFired is the callback of every job deadline timer.
func jobTimeoutFired(_ *Task, _ Mask, closure any, _ time.Time) Mask {
	job := closure.(*Job)
	if job.expire() {
		job.queue.r.limited(logiface.LevelWarning, callbackPointer(job.task.Callback)).
			Str(`queue`, job.queue.name).
			Str(`callback`, job.queue.r.names.NameOf(job.task.Callback)).
			Log(`job deadline exceeded`)
	}
	return 0
}
