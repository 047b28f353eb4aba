package eventer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func readable(t *testing.T, fd int) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	require.NoError(t, err)
	return n == 1 && fds[0].Revents&unix.POLLIN != 0
}

func TestWaker_coalesces(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	t.Cleanup(w.close)

	for range 100 {
		require.NoError(t, w.wake())
	}
	assert.True(t, w.pending.Load())
	assert.Equal(t, Read, w.drain(w.task, Read, nil, time.Now()))
	assert.False(t, w.pending.Load())

	// draining an empty waker doesn't block
	assert.Equal(t, Read, w.drain(w.task, Read, nil, time.Now()))
}

func TestReactor_wakeInterruptsSleep(t *testing.T) {
	r := newTestReactor(t, WithMaxSleep(time.Hour))
	startReactor(t, r)
	require.Eventually(t, r.sleeping.Load, time.Second, time.Millisecond)

	before := r.Metrics().Iterations
	r.wake()
	require.Eventually(t, func() bool { return r.Metrics().Iterations > before }, time.Second, time.Millisecond)
}

func TestWaker_wakeAfterDrain(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	t.Cleanup(w.close)

	// a wake coalesced with one that was already written, then drained
	require.NoError(t, w.wake())
	require.NoError(t, w.wake())
	require.True(t, readable(t, w.rfd))
	w.drain(w.task, Read, nil, time.Now())
	assert.False(t, readable(t, w.rfd))
	assert.False(t, w.pending.Load())

	// the next wake must reach the descriptor
	require.NoError(t, w.wake())
	assert.True(t, readable(t, w.rfd))
	w.drain(w.task, Read, nil, time.Now())

	for range 100 {
		require.NoError(t, w.wake())
		require.True(t, readable(t, w.rfd))
		w.drain(w.task, Read, nil, time.Now())
		require.False(t, w.pending.Load())
	}
}

func TestReactor_wakeNotLostUnderContention(t *testing.T) {
	r := newTestReactor(t, WithMaxSleep(2*time.Second))
	startReactor(t, r)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				r.wake()
			}
		}()
	}

	fire := func() time.Duration {
		fired := make(chan struct{})
		start := time.Now()
		r.AddTimer(5*time.Millisecond, func(*Task, Mask, any, time.Time) Mask {
			close(fired)
			return 0
		}, nil)
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal(`timer never fired`)
		}
		return time.Since(start)
	}

	for range 50 {
		fire()
	}
	stop.Store(true)
	wg.Wait()

	// once contention stops, every cross-goroutine timer still wakes the
	// sleeping loop well before max sleep
	for range 20 {
		require.Eventually(t, r.sleeping.Load, time.Second, time.Millisecond)
		assert.Less(t, fire(), 500*time.Millisecond)
	}
}
