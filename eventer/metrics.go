package eventer

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Metrics is a point-in-time snapshot of reactor statistics, see
	// Reactor.Metrics.
	Metrics struct {
		// JobWait is the time from enqueue to a worker picking a job up.
		JobWait LatencyMetrics
		// JobRun is the time a worker spent on a job, including cleanup.
		JobRun  LatencyMetrics

		Iterations     uint64
		TimersFired    uint64
		FDCallbacks    uint64
		RecurrentFired uint64
		JobsCompleted  uint64
		JobsTimedOut   uint64
		// AbandonedCalls counts work phases still running when the worker
		// gave up on them at the deadline.
		AbandonedCalls uint64

		Timers             int
		// Recurrent excludes the reactor's own completion drain.
		Recurrent          int
		Descriptors        int
		QueuedJobs         int
		Workers            int
		PendingCompletions int
	}

	// LatencyMetrics summarizes a latency distribution. Quantiles are
	// estimates, and are only populated if WithMetrics(true) was used.
	LatencyMetrics struct {
		P50   time.Duration
		P90   time.Duration
		P99   time.Duration
		Max   time.Duration
		Mean  time.Duration
		Count int
	}

	// latencyRecorder accumulates one LatencyMetrics.
	latencyRecorder struct {
		p50, p90, p99 *p2Estimator
		sum, max      time.Duration
		count         int
		mu            sync.Mutex
	}

	reactorMetrics struct {
		jobWait        *latencyRecorder
		jobRun         *latencyRecorder
		iterations     atomic.Uint64
		timersFired    atomic.Uint64
		fdCallbacks    atomic.Uint64
		recurrentFired atomic.Uint64
		jobsCompleted  atomic.Uint64
		jobsTimedOut   atomic.Uint64
		abandonedCalls atomic.Uint64
	}
)

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		p50: newP2Estimator(0.50),
		p90: newP2Estimator(0.90),
		p99: newP2Estimator(0.99),
	}
}

func (x *latencyRecorder) record(d time.Duration) {
	if x == nil {
		return
	}
	v := float64(d)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.p50.observe(v)
	x.p90.observe(v)
	x.p99.observe(v)
	x.sum += d
	x.count++
	x.max = max(x.max, d)
}

func (x *latencyRecorder) snapshot() (m LatencyMetrics) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.count == 0 {
		return
	}
	m.P50 = time.Duration(x.p50.value())
	m.P90 = time.Duration(x.p90.value())
	m.P99 = time.Duration(x.p99.value())
	m.Max = x.max
	m.Mean = x.sum / time.Duration(x.count)
	m.Count = x.count
	return
}

func (x *reactorMetrics) enableLatency() {
	x.jobWait = newLatencyRecorder()
	x.jobRun = newLatencyRecorder()
}

// Metrics returns a snapshot of the reactor's statistics. It is safe to call
// from any goroutine.
func (r *Reactor) Metrics() Metrics {
	return Metrics{
		JobWait:            r.metrics.jobWait.snapshot(),
		JobRun:             r.metrics.jobRun.snapshot(),
		Iterations:         r.metrics.iterations.Load(),
		TimersFired:        r.metrics.timersFired.Load(),
		FDCallbacks:        r.metrics.fdCallbacks.Load(),
		RecurrentFired:     r.metrics.recurrentFired.Load(),
		JobsCompleted:      r.metrics.jobsCompleted.Load(),
		JobsTimedOut:       r.metrics.jobsTimedOut.Load(),
		AbandonedCalls:     r.metrics.abandonedCalls.Load(),
		Timers:             r.timers.len(),
		Recurrent:          max(r.recurrent.len()-1, 0),
		Descriptors:        int(r.registered.Load()),
		QueuedJobs:         r.jobs.Len(),
		Workers:            r.jobs.Concurrency(),
		PendingCompletions: r.backq.Len(),
	}
}
