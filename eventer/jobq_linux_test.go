package eventer

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestJob_workWithDeadlineLockedToThread(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	rec := newJobRecorder(r)
	tids := make(chan []int, 1)
	task := NewAsyncTask(time.Second, func(task *Task, mask Mask, closure any, now time.Time) Mask {
		if mask == AsyncWork {
			var v []int
			for range 50 {
				v = append(v, unix.Gettid())
				runtime.Gosched()
				time.Sleep(100 * time.Microsecond)
			}
			tids <- v
		}
		return rec.callback(task, mask, closure, now)
	}, nil)
	require.NoError(t, r.Add(task))
	rec.waitCompleted(t, 2*time.Second)

	v := <-tids
	for _, tid := range v {
		assert.Equal(t, v[0], tid)
	}
}
