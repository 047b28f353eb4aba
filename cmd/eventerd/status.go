package main

import (
	"bytes"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/joeycumines/go-eventer/eventer"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

type (
	// statusBoard holds the latest result per check.
	statusBoard struct {
		latest map[string]checkResult
		mu     sync.Mutex
	}

	// statusServer answers every connection on its listener with a plain
	// text report, then closes it.
	statusServer struct {
		r     *eventer.Reactor
		board *statusBoard
		log   *logiface.Logger[logiface.Event]
		fd    int
	}

	// statusConn is the closure of one connection, holding the unsent part
	// of the report.
	statusConn struct {
		buf []byte
	}
)

func newStatusBoard() *statusBoard {
	return &statusBoard{latest: make(map[string]checkResult)}
}

func (x *statusBoard) update(res checkResult) {
	x.mu.Lock()
	x.latest[res.Name] = res
	x.mu.Unlock()
}

func (x *statusBoard) snapshot() []checkResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]checkResult, 0, len(x.latest))
	for _, v := range x.latest {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b checkResult) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return out
}

// render formats the report served to status clients.
func render(results []checkResult, m eventer.Metrics) []byte {
	var b bytes.Buffer
	for _, res := range results {
		state := `ok`
		switch {
		case res.TimedOut:
			state = `timeout`
		case res.Err != nil:
			state = `fail`
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\n",
			res.Name, res.Target, state,
			res.Duration.Round(time.Millisecond),
			res.Start.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "# jobs completed=%d timed_out=%d abandoned=%d queued=%d workers=%d\n",
		m.JobsCompleted, m.JobsTimedOut, m.AbandonedCalls, m.QueuedJobs, m.Workers)
	fmt.Fprintf(&b, "# job wait p50=%s p99=%s, run p50=%s p99=%s\n",
		m.JobWait.P50.Round(time.Microsecond), m.JobWait.P99.Round(time.Microsecond),
		m.JobRun.P50.Round(time.Microsecond), m.JobRun.P99.Round(time.Microsecond))
	return b.Bytes()
}

// listenTCP opens a non-blocking IPv4 listening socket.
func listenTCP(addr string) (int, error) {
	ta, err := net.ResolveTCPAddr(`tcp4`, addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: ta.Port}
	if ip := ta.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err = eventer.SetNonblock(fd); err == nil {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err == nil {
		err = unix.Bind(fd, sa)
	}
	if err == nil {
		err = unix.Listen(fd, 64)
	}
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf(`listen %s: %w`, addr, err)
	}
	return fd, nil
}

func (x *statusServer) start() error {
	x.r.Names().Register(`status_accept`, x.accept)
	x.r.Names().Register(`status_write`, x.write)
	return x.r.Add(eventer.NewFDTask(x.fd, eventer.Read, x.accept, nil))
}

// accept drains the backlog, registering a writer per connection.
func (x *statusServer) accept(t *eventer.Task, _ eventer.Mask, _ any, _ time.Time) eventer.Mask {
	for {
		fd, _, next, err := t.IO().Accept(t)
		if eventer.WouldBlock(err) {
			return next
		}
		if err != nil {
			x.log.Err().Err(err).Log(`status accept failed`)
			return eventer.Read
		}
		conn := &statusConn{buf: render(x.board.snapshot(), x.r.Metrics())}
		if err := x.r.Add(eventer.NewFDTask(fd, eventer.Write, x.write, conn)); err != nil {
			x.log.Err().Err(err).Int(`fd`, fd).Log(`status connection rejected`)
			_ = unix.Close(fd)
		}
	}
}

func (x *statusServer) write(t *eventer.Task, _ eventer.Mask, closure any, _ time.Time) eventer.Mask {
	conn := closure.(*statusConn)
	for len(conn.buf) > 0 {
		n, next, err := t.IO().Write(t, conn.buf)
		conn.buf = conn.buf[n:]
		if eventer.WouldBlock(err) {
			return next
		}
		if err != nil {
			x.log.Debug().Err(err).Int(`fd`, t.FD).Log(`status write failed`)
			break
		}
	}
	// deregister before the descriptor number can be reused
	if _, err := x.r.RemoveFD(t.FD); err != nil {
		x.log.Debug().Err(err).Int(`fd`, t.FD).Log(`status deregister failed`)
	}
	if _, err := t.IO().Close(t); err != nil {
		x.log.Debug().Err(err).Int(`fd`, t.FD).Log(`status close failed`)
	}
	eventer.Release(t)
	return 0
}

func (x *statusServer) close() {
	if _, err := x.r.RemoveFD(x.fd); err == nil {
		_ = unix.Close(x.fd)
	}
}
