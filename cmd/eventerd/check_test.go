package main

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/go-eventer/eventer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startTestReactor(t *testing.T) *eventer.Reactor {
	t.Helper()
	r, err := eventer.New(eventer.WithLogger(testLogger(t)), eventer.WithMaxSleep(10*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := <-done
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf(`Run: %v`, err)
		}
	})
	return r
}

func nextResult(t *testing.T, results <-chan checkResult) checkResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal(`no check result`)
		return checkResult{}
	}
}

func TestCheck_reachable(t *testing.T) {
	ln, err := net.Listen(`tcp4`, `127.0.0.1:0`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	r := startTestReactor(t)
	results := make(chan checkResult, 8)
	c := &check{
		cfg:     checkConfig{Name: `local`, Target: ln.Addr().String(), Period: 20 * time.Millisecond, Timeout: time.Second},
		r:       r,
		results: results,
	}
	require.NoError(t, c.schedule())

	for range 2 {
		res := nextResult(t, results)
		assert.Equal(t, `local`, res.Name)
		assert.NoError(t, res.Err)
		assert.False(t, res.TimedOut)
	}
}

func TestCheck_refused(t *testing.T) {
	ln, err := net.Listen(`tcp4`, `127.0.0.1:0`)
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	r := startTestReactor(t)
	results := make(chan checkResult, 8)
	c := &check{
		cfg:     checkConfig{Name: `closed`, Target: addr, Period: time.Hour, Timeout: time.Second},
		r:       r,
		results: results,
	}
	require.NoError(t, c.schedule())

	res := nextResult(t, results)
	assert.Error(t, res.Err)
	assert.False(t, res.TimedOut)
}

func TestStatusServer(t *testing.T) {
	r := startTestReactor(t)
	board := newStatusBoard()
	board.update(checkResult{Name: `a`, Target: `h:1`, Start: time.Now()})

	fd, err := listenTCP(`127.0.0.1:0`)
	require.NoError(t, err)
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	srv := &statusServer{r: r, board: board, log: testLogger(t), fd: fd}
	require.NoError(t, srv.start())
	t.Cleanup(srv.close)

	for range 2 {
		conn, err := net.DialTimeout(`tcp4`, net.JoinHostPort(`127.0.0.1`, strconv.Itoa(port)), time.Second)
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		body, err := io.ReadAll(conn)
		_ = conn.Close()
		require.NoError(t, err)
		assert.Contains(t, string(body), "a\th:1\tok\t")
		assert.Contains(t, string(body), `# jobs`)
	}

	require.Eventually(t, func() bool { return r.Metrics().Descriptors == 1 }, time.Second, time.Millisecond)
}
