package eventer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-eventer/internal/goroutineid"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

// JobQueue is a FIFO of jobs, consumed by a pool of worker goroutines. Each
// worker is locked to its OS thread while it runs.
//
// The wait primitive is a counting semaphore that starts fully drained: each
// Enqueue releases one unit, each Dequeue acquires one, so a unit always
// corresponds to exactly one queued job.
type JobQueue struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	r      *Reactor
	fifo   *queue.Queue // guarded by mu
	sem    *semaphore.Weighted
	name   string
	wg     sync.WaitGroup

	capacity int  // guarded by mu, 0 is unbounded
	closed   bool // guarded by mu
	mu       sync.Mutex

	workers atomic.Int64
	target  atomic.Int64
	started atomic.Bool
}

func (r *Reactor) newJobQueue(name string, capacity int) *JobQueue {
	q := &JobQueue{
		r:        r,
		fifo:     queue.New(),
		sem:      semaphore.NewWeighted(math.MaxInt64),
		name:     name,
		capacity: capacity,
	}
	if !q.sem.TryAcquire(math.MaxInt64) {
		panic(`eventer: unreachable: semaphore not drained`)
	}
	q.ctx, q.cancel = context.WithCancelCause(context.Background())
	r.mu.Lock()
	r.queues = append(r.queues, q)
	r.mu.Unlock()
	return q
}

// NewJobQueue creates an additional job queue with its own workers, see
// AddJob. It is closed along with the reactor.
func (r *Reactor) NewJobQueue(name string, concurrency, capacity int) *JobQueue {
	q := r.newJobQueue(name, capacity)
	q.SetConcurrency(concurrency)
	return q
}

// Name returns the queue's name, used in logs.
func (q *JobQueue) Name() string { return q.name }

func (q *JobQueue) setCapacity(n int) {
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
}

// Len returns the number of queued jobs, including pending concurrency
// decreases.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Length()
}

// Concurrency returns the number of live workers.
func (q *JobQueue) Concurrency() int {
	return int(q.workers.Load())
}

// Enqueue appends job, failing with ErrQueueFull at capacity.
func (q *JobQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.capacity > 0 && q.fifo.Length() >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf(`%w: %s (capacity %d)`, ErrQueueFull, q.name, q.capacity)
	}
	q.fifo.Add(job)
	q.mu.Unlock()
	q.sem.Release(1)
	return nil
}

// Dequeue blocks until a job is available, ctx is done, or the queue is
// closed.
func (q *JobQueue) Dequeue(ctx context.Context) (*Job, error) {
	if ctx != q.ctx {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(q.ctx, cancel)()
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		if q.ctx.Err() != nil {
			return nil, ErrQueueClosed
		}
		return nil, err
	}
	return q.pop()
}

// TryDequeue returns a job if one is immediately available.
func (q *JobQueue) TryDequeue() (*Job, bool) {
	if !q.sem.TryAcquire(1) {
		return nil, false
	}
	job, err := q.pop()
	return job, err == nil
}

func (q *JobQueue) pop() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fifo.Length() == 0 {
		// drained by Close
		return nil, ErrQueueClosed
	}
	return q.fifo.Remove().(*Job), nil
}

// IncreaseConcurrency starts one more worker.
func (q *JobQueue) IncreaseConcurrency() {
	q.started.Store(true)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	q.target.Add(1)
	q.workers.Add(1)
	go q.worker()
}

// DecreaseConcurrency stops exactly one worker, by queueing a poison job.
// The worker exits when it dequeues it, i.e. after the jobs ahead of it.
func (q *JobQueue) DecreaseConcurrency() error {
	q.started.Store(true)
	if err := q.Enqueue(&Job{poison: true}); err != nil {
		return err
	}
	q.target.Add(-1)
	return nil
}

// SetConcurrency adjusts the number of workers to n, see
// IncreaseConcurrency and DecreaseConcurrency.
func (q *JobQueue) SetConcurrency(n int) error {
	q.started.Store(true)
	for int(q.target.Load()) < n {
		q.IncreaseConcurrency()
		if q.isClosed() {
			return ErrQueueClosed
		}
	}
	for int(q.target.Load()) > n {
		if err := q.DecreaseConcurrency(); err != nil {
			return err
		}
	}
	return nil
}

// startDefault applies the configured worker count, unless concurrency was
// already set explicitly.
func (q *JobQueue) startDefault(n int) {
	if q.started.Load() {
		return
	}
	if err := q.SetConcurrency(n); err != nil {
		q.r.log.Err().Err(err).Str(`queue`, q.name).Log(`failed to start workers`)
	}
}

func (q *JobQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting jobs, cancels the contexts of running jobs, waits
// for the workers to exit, then runs the cleanup phase of anything still
// queued. No completions are delivered for those jobs.
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel(ErrQueueClosed)
	q.wg.Wait()

	for {
		job, ok := q.TryDequeue()
		if !ok {
			break
		}
		if job.poison || job.task == nil || q == q.r.backq {
			continue
		}
		job.expire()
		q.cleanup(job)
		job.task.job.Store(nil)
		job.cancel(nil)
	}
}

func (q *JobQueue) worker() {
	defer q.wg.Done()
	defer q.workers.Add(-1)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := goroutineid.Get()
	q.r.log.Debug().Str(`queue`, q.name).Uint64(`worker`, id).Log(`worker started`)
	defer q.r.log.Debug().Str(`queue`, q.name).Uint64(`worker`, id).Log(`worker exited`)

	for {
		job, err := q.Dequeue(q.ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) {
				q.r.log.Err().Err(err).Str(`queue`, q.name).Log(`dequeue failed`)
			}
			return
		}
		if job.poison {
			return
		}
		q.execute(job, id)
	}
}

func (q *JobQueue) execute(job *Job, worker uint64) {
	t := job.task
	start := time.Now()

	job.mu.Lock()
	job.started = start
	job.worker = worker
	run := job.state == JobQueued
	if run {
		job.state = JobRunning
	}
	job.mu.Unlock()

	q.r.metrics.jobWait.record(start.Sub(job.created))

	if run {
		q.work(job, start)
	}

	job.mu.Lock()
	if job.state == JobRunning {
		job.state = JobCompleted
	}
	job.mu.Unlock()

	q.cleanup(job)
	t.job.Store(nil)

	finish := time.Now()
	job.mu.Lock()
	job.finished = finish
	job.mu.Unlock()
	q.r.metrics.jobRun.record(finish.Sub(start))

	if job.timeout != nil {
		if _, err := q.r.Remove(job.timeout); err == nil {
			Release(job.timeout)
		}
	}
	job.cancel(nil)

	q.route(job)
}

// abandonGrace is how long a work phase has to return after its context is
// canceled, before the worker moves on without it.
const abandonGrace = 10 * time.Millisecond

// work runs the AsyncWork phase. Without a deadline it runs inline. With
// one, it runs on its own goroutine, locked to its own thread, and the
// worker stops waiting for it when the job context is canceled. The
// abandoned call keeps running until it returns by itself, and its result
// is discarded. Either way, Task.Context resolves to this job's context for
// the whole call.
func (q *JobQueue) work(job *Job, now time.Time) {
	t := job.task
	invoke := func() {
		id := goroutineid.Get()
		t.invocations.Store(id, job)
		defer t.invocations.Delete(id)
		t.Callback(t, AsyncWork, t.Closure, now)
	}
	if job.timeout == nil {
		invoke()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		invoke()
	}()

	select {
	case <-done:
	case <-job.ctx.Done():
		grace := time.NewTimer(abandonGrace)
		defer grace.Stop()
		select {
		case <-done:
			return
		case <-grace.C:
		}
		q.r.metrics.abandonedCalls.Add(1)
		q.r.limited(logiface.LevelWarning, `abandoned`).
			Str(`queue`, q.name).
			Str(`callback`, q.r.names.NameOf(t.Callback)).
			Err(context.Cause(job.ctx)).
			Log(`abandoned blocking call past its deadline`)
	}
}

// cleanup runs the AsyncCleanup phase, at most once.
func (q *JobQueue) cleanup(job *Job) {
	if !job.cleanedUp.CompareAndSwap(false, true) {
		return
	}
	t := job.task
	t.Callback(t, AsyncCleanup, t.Closure, time.Now())
}

// route passes a finished job to the reactor goroutine.
func (q *JobQueue) route(job *Job) {
	if err := q.r.backq.Enqueue(job); err != nil {
		q.r.log.Debug().
			Err(err).
			Str(`queue`, q.name).
			Stringer(`task`, job.task).
			Log(`completion dropped`)
		return
	}
	q.r.wake()
}

// AddJob registers the Async task t as a job on q. If t.Whence is set, a
// timer is registered to enforce it.
func (r *Reactor) AddJob(q *JobQueue, t *Task) error {
	if st := r.state.load(); st == stateTerminating || st == stateTerminated {
		return ErrClosed
	}
	t.claim(heldJob)
	job := newJob(q, t)
	t.job.Store(job)

	if !t.Whence.IsZero() {
		job.timeout = NewTimerTask(t.Whence, jobTimeoutFired, job)
		r.addTimer(job.timeout)
	}

	if err := q.Enqueue(job); err != nil {
		if job.timeout != nil {
			if _, err := r.Remove(job.timeout); err == nil {
				Release(job.timeout)
			}
		}
		job.cancel(err)
		t.job.Store(nil)
		t.unclaim(heldJob)
		return err
	}

	return nil
}

// CancelJob cancels the job t is running as. A queued job skips its work
// phase, and a running one has its context canceled with ErrJobCanceled.
// Work that ignores its context is abandoned only if the job has a
// deadline. Cleanup and the completion notice still happen. It reports false if t is not a job,
// or the job already finished or timed out.
func (r *Reactor) CancelJob(t *Task) bool {
	job := t.job.Load()
	if job == nil || !job.abort() {
		return false
	}
	r.log.Debug().
		Str(`queue`, job.queue.name).
		Stringer(`task`, t).
		Log(`job canceled`)
	return true
}

// drainCompletions is the recurrent callback that delivers finished jobs on
// the reactor goroutine. It handles at most the completions pending on
// entry.
func (r *Reactor) drainCompletions(_ *Task, _ Mask, _ any, now time.Time) Mask {
	for n := r.backq.Len(); n > 0; n-- {
		job, ok := r.backq.TryDequeue()
		if !ok {
			break
		}
		r.complete(job, now)
	}
	return Recurrent
}

func (r *Reactor) complete(job *Job, now time.Time) {
	t := job.task
	if job.TimedOut() {
		r.metrics.jobsTimedOut.Add(1)
	} else {
		r.metrics.jobsCompleted.Add(1)
	}

	t.unclaim(heldJob)
	next := t.Callback(t, Async, t.Closure, now)

	if t.Registered() || t.Released() {
		// the callback took care of it
		return
	}
	if next == 0 {
		Release(t)
		return
	}
	t.Mask = next
	r.handoff(t)
}
