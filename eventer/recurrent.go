package eventer

import (
	"slices"
	"sync"
	"time"
)

// recurrentSet holds recurrent tasks in registration order.
type recurrentSet struct {
	tasks []*Task
	mu    sync.Mutex
}

func (x *recurrentSet) add(t *Task) {
	x.mu.Lock()
	x.tasks = append(x.tasks, t)
	x.mu.Unlock()
}

func (x *recurrentSet) remove(t *Task) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	i := slices.Index(x.tasks, t)
	if i < 0 {
		return false
	}
	x.tasks = slices.Delete(x.tasks, i, i+1)
	return true
}

// snapshot appends the current set to buf.
func (x *recurrentSet) snapshot(buf []*Task) []*Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append(buf, x.tasks...)
}

func (x *recurrentSet) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tasks)
}

// AddRecurrent registers t to be fired once per loop iteration, between
// timer dispatch and polling. Adding a task that is already registered is a
// no-op.
func (r *Reactor) AddRecurrent(t *Task) {
	if !t.claim(heldRecurrent) {
		return
	}
	r.recurrent.add(t)
}

// RemoveRecurrent unregisters t, reporting whether it was registered.
func (r *Reactor) RemoveRecurrent(t *Task) bool {
	if !r.recurrent.remove(t) {
		return false
	}
	t.unclaim(heldRecurrent)
	return true
}

// dispatchRecurrent fires every recurrent task registered at the start of
// the pass. A callback returning 0 is unregistered and released.
func (r *Reactor) dispatchRecurrent(now time.Time) {
	r.recurrentBuf = r.recurrent.snapshot(r.recurrentBuf[:0])
	for i, t := range r.recurrentBuf {
		r.recurrentBuf[i] = nil
		if holder(t.held.Load()) != heldRecurrent {
			// removed by an earlier callback in this pass
			continue
		}
		r.metrics.recurrentFired.Add(1)
		if t.Callback(t, Recurrent, t.Closure, now) == 0 && r.RemoveRecurrent(t) {
			Release(t)
		}
	}
}
