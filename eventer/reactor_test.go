package eventer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReactor_timerOrder(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	fire := func(_ *Task, mask Mask, closure any, _ time.Time) Mask {
		defer wg.Done()
		mu.Lock()
		order = append(order, closure.(string))
		mu.Unlock()
		return 0
	}

	wg.Add(3)
	now := time.Now()
	for _, v := range []struct {
		name string
		d    time.Duration
	}{
		{`t1`, 10 * time.Millisecond},
		{`t2`, 5 * time.Millisecond},
		{`t3`, 5 * time.Millisecond},
	} {
		require.NoError(t, r.Add(NewTimerTask(now.Add(v.d), fire, v.name)))
	}
	wg.Wait()

	assert.Equal(t, []string{`t2`, `t3`, `t1`}, order)
}

func TestReactor_concurrentTimerInsertion(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	fired := make(chan time.Duration, 3)
	fire := func(_ *Task, _ Mask, closure any, _ time.Time) Mask {
		fired <- closure.(time.Duration)
		return 0
	}

	base := time.Now()
	var start, wg sync.WaitGroup
	start.Add(1)
	for _, d := range []time.Duration{10 * time.Millisecond, 5 * time.Millisecond, time.Millisecond} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			assert.NoError(t, r.Add(NewTimerTask(base.Add(d), fire, d)))
		}()
	}
	start.Done()
	wg.Wait()

	var order []time.Duration
	for range 3 {
		select {
		case d := <-fired:
			order = append(order, d)
		case <-time.After(2 * time.Second):
			t.Fatal(`timers did not fire`)
		}
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 5 * time.Millisecond, 10 * time.Millisecond}, order)
}

func TestReactor_timerAddedWhileSleeping(t *testing.T) {
	r := newTestReactor(t, WithMaxSleep(time.Hour))
	startReactor(t, r)
	require.Eventually(t, r.sleeping.Load, time.Second, time.Millisecond)

	fired := make(chan time.Time, 1)
	start := time.Now()
	r.AddTimer(5*time.Millisecond, func(_ *Task, _ Mask, _ any, now time.Time) Mask {
		fired <- now
		return 0
	}, nil)

	select {
	case now := <-fired:
		assert.GreaterOrEqual(t, now.Sub(start), 5*time.Millisecond)
		assert.Less(t, now.Sub(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal(`timer added during a long sleep never fired`)
	}
}

func TestReactor_timerRemove(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	rec := newCallbackRecorder()
	task := r.AddTimer(50*time.Millisecond, func(_ *Task, mask Mask, _ any, _ time.Time) Mask {
		rec.record(mask)
		return 0
	}, nil)
	assert.True(t, task.Registered())

	removed, err := r.Remove(task)
	require.NoError(t, err)
	assert.Same(t, task, removed)
	_, err = r.Remove(task)
	assert.ErrorIs(t, err, ErrNotRegistered)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.calls.Load())
}

func TestReactor_timerRepeat(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	var n atomic.Int32
	done := make(chan struct{})
	r.AddTimer(0, func(task *Task, _ Mask, _ any, now time.Time) Mask {
		if n.Add(1) == 3 {
			close(done)
			return 0
		}
		task.Whence = now.Add(time.Millisecond)
		return Timer
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal(`timer did not repeat`)
	}
	assert.Equal(t, int32(3), n.Load())
}

// a timer that keeps re-adding itself with a zero delay must not prevent
// descriptor callbacks
func TestReactor_timersDoNotStarveDescriptors(t *testing.T) {
	r := newTestReactor(t, WithMaxSleep(time.Hour))
	startReactor(t, r)

	var stop atomic.Bool
	var fires atomic.Int64
	r.AddTimer(0, func(task *Task, _ Mask, _ any, now time.Time) Mask {
		fires.Add(1)
		if stop.Load() {
			return 0
		}
		task.Whence = now
		return Timer
	}, nil)
	require.Eventually(t, func() bool { return fires.Load() > 10 }, time.Second, time.Millisecond)

	a, b := socketpair(t)
	got := make(chan Mask, 1)
	require.NoError(t, r.Add(NewFDTask(a, Read, func(_ *Task, mask Mask, _ any, _ time.Time) Mask {
		got <- mask
		return 0
	}, nil)))
	_, err := unix.Write(b, []byte{'x'})
	require.NoError(t, err)

	select {
	case mask := <-got:
		assert.Equal(t, Read, mask)
	case <-time.After(2 * time.Second):
		t.Fatal(`descriptor starved by timers`)
	}
	stop.Store(true)

	m := r.Metrics()
	assert.LessOrEqual(t, m.TimersFired, m.Iterations, `at most one firing per iteration`)
}

func TestReactor_recurrent(t *testing.T) {
	r := newTestReactor(t, WithMaxSleep(time.Millisecond))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Callback {
		return func(*Task, Mask, any, time.Time) Mask {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			if len(order) >= 6 {
				return 0
			}
			return Recurrent
		}
	}
	a := NewRecurrentTask(record(`a`), nil)
	b := NewRecurrentTask(record(`b`), nil)
	r.AddRecurrent(a)
	r.AddRecurrent(a)
	require.NoError(t, r.Add(b))
	assert.Equal(t, 2, r.Metrics().Recurrent)

	startReactor(t, r)
	require.Eventually(t, func() bool { return a.Released() && b.Released() }, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`a`, `b`, `a`, `b`, `a`, `b`, `a`}, order)
	assert.Zero(t, r.Metrics().Recurrent)
}

func TestReactor_recurrentRemove(t *testing.T) {
	r := newTestReactor(t)
	task := NewRecurrentTask(noopCallback, nil)
	assert.False(t, r.RemoveRecurrent(task))
	r.AddRecurrent(task)
	removed, err := r.Remove(task)
	require.NoError(t, err)
	assert.Same(t, task, removed)
	assert.False(t, task.Registered())
}

func TestReactor_runErrors(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)

	var inner error
	onLoop(t, r, func() { inner = r.Run(context.Background()) })
	assert.ErrorIs(t, inner, ErrReentrantRun)
}

func TestReactor_closeBeforeRun(t *testing.T) {
	r := newTestReactor(t)
	require.NoError(t, r.Close())
	select {
	case <-r.Done():
	default:
		t.Fatal(`done not closed`)
	}
	assert.ErrorIs(t, r.Close(), ErrClosed)
	assert.ErrorIs(t, r.Run(context.Background()), ErrClosed)
	assert.ErrorIs(t, r.Propset(`max_sleep`, `1s`), ErrClosed)

	a, _ := socketpair(t)
	assert.ErrorIs(t, r.Add(NewFDTask(a, Read, noopCallback, nil)), ErrClosed)
}

func TestReactor_contextCancel(t *testing.T) {
	r := newTestReactor(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.state.load() == stateRunning }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal(`Run ignored cancellation`)
	}
	<-r.Done()
	assert.Equal(t, stateTerminated, r.state.load())
}

func TestReactor_closeFromCallback(t *testing.T) {
	r := newTestReactor(t)
	done := make(chan error, 1)
	go func() { done <- r.Loop() }()
	require.Eventually(t, func() bool { return r.state.load() == stateRunning }, time.Second, time.Millisecond)

	var closeErr error
	onLoop(t, r, func() { closeErr = r.Close() })
	assert.NoError(t, closeErr)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal(`Loop did not return`)
	}
}

func TestReactor_closeWaitsForLoop(t *testing.T) {
	r := newTestReactor(t)
	go func() { _ = r.Loop() }()
	require.Eventually(t, func() bool { return r.state.load() == stateRunning }, time.Second, time.Millisecond)

	require.NoError(t, r.Close())
	assert.Equal(t, stateTerminated, r.state.load())
}

func TestReactor_propset(t *testing.T) {
	r := newTestReactor(t)

	require.NoError(t, r.Propset(`max_sleep`, `5ms`))
	require.NoError(t, r.Propset(`default_queue_threads`, `0`))
	require.NoError(t, r.Propset(`queue_capacity`, `8`))
	require.NoError(t, r.Propset(`fd_limit`, `2048`))
	require.NoError(t, r.Propset(`implementation`, `poll`))
	assert.Equal(t, `poll`, r.Backend())
	require.NoError(t, r.Propset(`implementation`, defaultBackend))
	assert.Equal(t, defaultBackend, r.Backend())

	assert.ErrorIs(t, r.Propset(`implementation`, `select`), ErrUnknownBackend)
	assert.ErrorIs(t, r.Propset(`no_such_key`, `1`), ErrUnknownProperty)
	assert.ErrorContains(t, r.Propset(`no_such_key`, `1`), `no_such_key`)
	for _, kv := range [][2]string{
		{`max_sleep`, `0s`},
		{`max_sleep`, `soon`},
		{`default_queue_threads`, `-1`},
		{`queue_capacity`, `0`},
		{`fd_limit`, `x`},
	} {
		assert.Error(t, r.Propset(kv[0], kv[1]), kv[0]+`=`+kv[1])
	}

	a, _ := socketpair(t)
	task := NewFDTask(a, Read, noopCallback, nil)
	require.NoError(t, r.Add(task))
	assert.Error(t, r.Propset(`implementation`, `poll`))
	assert.Error(t, r.Propset(`fd_limit`, `4096`))
	_, err := r.Remove(task)
	require.NoError(t, err)

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	assert.Equal(t, 5*time.Millisecond, cfg.maxSleep)
	assert.Zero(t, cfg.defaultQueueThreads)
	assert.Equal(t, 8, cfg.queueCapacity)
	assert.Equal(t, 2048, cfg.fdLimit)

	startReactor(t, r)
	assert.ErrorIs(t, r.Propset(`max_sleep`, `1s`), ErrAlreadyRunning)
}

func TestReactor_propsetEpollMaxEvents(t *testing.T) {
	r := newTestReactor(t)
	if r.Backend() != `epoll` {
		t.Skip(`epoll only`)
	}
	require.NoError(t, r.Propset(`max_events`, `16`))
	assert.Error(t, r.Propset(`max_events`, `0`))
}

func TestReactor_fdRegistration(t *testing.T) {
	r := newTestReactor(t)
	a, _ := socketpair(t)

	assert.Nil(t, r.FindFD(a))
	_, err := r.RemoveFD(a)
	assert.ErrorIs(t, err, ErrNotRegistered)

	task := NewFDTask(a, Read, noopCallback, nil)
	require.NoError(t, r.Add(task))
	assert.Same(t, task, r.FindFD(a))
	assert.Equal(t, 1, r.Metrics().Descriptors)

	other := NewFDTask(a, Write, noopCallback, nil)
	assert.ErrorIs(t, r.Add(other), ErrFDAlreadyRegistered)
	assert.False(t, other.Registered())
	assert.ErrorIs(t, r.Update(other, Read), ErrNotRegistered)

	requireContractViolation(t, func() { _ = r.Add(task) })

	removed, err := r.RemoveFD(a)
	require.NoError(t, err)
	assert.Same(t, task, removed)
	assert.Nil(t, r.FindFD(a))
	assert.Zero(t, r.Metrics().Descriptors)
	_, err = r.Remove(task)
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.ErrorIs(t, r.Add(NewFDTask(-1, Read, noopCallback, nil)), ErrFDOutOfRange)
}

func TestReactor_wakeupHidden(t *testing.T) {
	r := newTestReactor(t)
	fd := r.waker.rfd
	assert.Nil(t, r.FindFD(fd))
	_, err := r.RemoveFD(fd)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.ErrorIs(t, r.Update(r.waker.task, Write), ErrNotRegistered)
	_, err = r.Remove(r.waker.task)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Zero(t, r.Metrics().Descriptors)
}

func TestReactor_removeAsyncPanics(t *testing.T) {
	r := newTestReactor(t, WithDefaultQueueThreads(0))
	task := NewAsyncTask(0, noopCallback, nil)
	cv := requireContractViolation(t, func() { _, _ = r.Remove(task) })
	assert.Same(t, task, cv.Task)

	require.NoError(t, r.Add(task))
	requireContractViolation(t, func() { _, _ = r.Remove(task) })
}

func TestReactor_callbackRemovesOwnFD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Reactor) {
		a, b := socketpair(t)
		done := make(chan error, 1)
		task := NewFDTask(a, Read, func(task *Task, _ Mask, _ any, _ time.Time) Mask {
			// the registration made here wins over the return value
			_, err := r.RemoveFD(task.FD)
			if err == nil {
				err = r.Add(NewFDTask(task.FD, Write, func(*Task, Mask, any, time.Time) Mask {
					done <- nil
					return 0
				}, nil))
			}
			if err != nil {
				done <- err
			}
			return Read
		}, nil)
		require.NoError(t, r.Add(task))
		_, err := unix.Write(b, []byte{'x'})
		require.NoError(t, err)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal(`no callback`)
		}
		assert.False(t, task.Registered())
		require.Eventually(t, func() bool { return r.FindFD(a) == nil }, time.Second, time.Millisecond)
	})
}

func TestReactor_callbackUpdateWinsOverReturn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Reactor) {
		a, b := socketpair(t)
		rec := newCallbackRecorder()
		task := NewFDTask(a, Read, func(task *Task, mask Mask, _ any, _ time.Time) Mask {
			rec.record(mask)
			if mask&Read != 0 {
				if err := r.Update(task, Write); err != nil {
					t.Errorf(`Update: %v`, err)
				}
				return Read
			}
			return 0
		}, nil)
		require.NoError(t, r.Add(task))
		_, err := unix.Write(b, []byte{'x'})
		require.NoError(t, err)

		for _, want := range []Mask{Read, Write} {
			select {
			case mask := <-rec.masks:
				assert.Equal(t, want, mask)
			case <-time.After(2 * time.Second):
				t.Fatalf(`no %v callback`, want)
			}
		}
		require.Eventually(t, func() bool { return r.FindFD(a) == nil }, time.Second, time.Millisecond)
	})
}

func TestReactor_metricsCounters(t *testing.T) {
	r := newTestReactor(t)
	startReactor(t, r)

	done := make(chan struct{})
	r.AddTimer(0, func(*Task, Mask, any, time.Time) Mask {
		close(done)
		return 0
	}, nil)
	<-done

	m := r.Metrics()
	assert.NotZero(t, m.Iterations)
	assert.GreaterOrEqual(t, m.TimersFired, uint64(1))
	assert.NotZero(t, m.RecurrentFired, `the completion drain`)
	assert.Equal(t, DefaultQueueThreads, m.Workers)
	assert.Zero(t, m.Recurrent)
}

func TestReactor_nilLogger(t *testing.T) {
	r, err := New(WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	startReactor(t, r)
	done := make(chan struct{})
	r.AddTimer(0, func(*Task, Mask, any, time.Time) Mask {
		close(done)
		return 0
	}, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal(errors.New(`timer never fired`))
	}
}
