package eventer

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// timerQueue orders timer tasks by (Whence, insertion sequence). The btree
// is not safe for concurrent use, so every access goes through mu. A task's
// Whence must not change while it is queued.
type timerQueue struct {
	tree *btree.BTreeG[*Task]
	seq  uint64
	mu   sync.Mutex
}

func timerLess(a, b *Task) bool {
	if !a.Whence.Equal(b.Whence) {
		return a.Whence.Before(b.Whence)
	}
	return a.seq < b.seq
}

func newTimerQueue() *timerQueue {
	return &timerQueue{tree: btree.NewG(32, timerLess)}
}

// insert queues t, reporting whether it is now the earliest timer.
func (x *timerQueue) insert(t *Task) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	t.seq = x.seq
	x.tree.ReplaceOrInsert(t)
	first, _ := x.tree.Min()
	return first == t
}

// remove deletes t by identity, reporting whether it was queued.
func (x *timerQueue) remove(t *Task) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.tree.Get(t)
	if !ok || v != t {
		return false
	}
	x.tree.Delete(t)
	return true
}

// next returns the earliest deadline.
func (x *timerQueue) next() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if first, ok := x.tree.Min(); ok {
		return first.Whence, true
	}
	return time.Time{}, false
}

// countDue returns the number of timers due at now.
func (x *timerQueue) countDue(now time.Time) (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.Ascend(func(t *Task) bool {
		if t.Whence.After(now) {
			return false
		}
		n++
		return true
	})
	return n
}

// popDue removes and returns the earliest timer, if it is due at now.
func (x *timerQueue) popDue(now time.Time) *Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	first, ok := x.tree.Min()
	if !ok || first.Whence.After(now) {
		return nil
	}
	x.tree.DeleteMin()
	return first
}

func (x *timerQueue) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Len()
}
