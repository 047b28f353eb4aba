package eventer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/ilogrus"
	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testLogger routes reactor logs through logrus, to the test log when
// running verbose.
func testLogger(t *testing.T) *logiface.Logger[logiface.Event] {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel)
	if testing.Verbose() {
		l.SetOutput(testWriter{t})
	} else {
		l.SetOutput(io.Discard)
	}
	return ilogrus.L.New(
		ilogrus.L.WithLogrus(l),
		ilogrus.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

type testWriter struct{ t *testing.T }

func (x testWriter) Write(p []byte) (int, error) {
	x.t.Log(string(p))
	return len(p), nil
}

func newTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(append([]Option{WithLogger(testLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// startReactor runs r on a new goroutine until the test ends.
func startReactor(t *testing.T, r *Reactor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		return r.state.load() == stateRunning && r.loopID.Load() != 0
	}, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf(`Run: %v`, err)
			}
		case <-time.After(5 * time.Second):
			t.Error(`Run did not return`)
		}
	})
}

// onLoop runs fn on the reactor goroutine, and waits for it.
func onLoop(t *testing.T, r *Reactor, fn func()) {
	t.Helper()
	done := make(chan struct{})
	r.AddTimer(0, func(*Task, Mask, any, time.Time) Mask {
		defer close(done)
		fn()
		return 0
	}, nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for the reactor`)
	}
}

// socketpair returns a connected pair of non-blocking unix stream sockets.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, SetNonblock(fd))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// callbackRecorder counts invocations and remembers trigger masks.
type callbackRecorder struct {
	masks chan Mask
	calls atomic.Int32
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{masks: make(chan Mask, 64)}
}

func (x *callbackRecorder) record(mask Mask) {
	x.calls.Add(1)
	select {
	case x.masks <- mask:
	default:
	}
}
