package main

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventer/eventer"
	"github.com/joeycumines/logiface"
)

type (
	// check is one periodic TCP reachability probe. It is only touched by
	// the reactor goroutine.
	check struct {
		cfg      checkConfig
		r        *eventer.Reactor
		log      *logiface.Logger[logiface.Event]
		results  chan<- checkResult
		inflight bool
	}

	// probe is the closure of one probe job. The work phase may be
	// abandoned at the deadline, so it publishes its result atomically.
	probe struct {
		check  *check
		queued time.Time
		result atomic.Pointer[checkResult]
	}

	checkResult struct {
		Name     string
		Target   string
		Start    time.Time
		Duration time.Duration
		Err      error
		TimedOut bool
	}
)

// schedule registers the check's timer, firing immediately.
func (c *check) schedule() error {
	return c.r.Add(eventer.NewTimerTask(time.Now(), checkFire, c))
}

// checkFire starts a probe unless the previous one is still running, and
// re-arms itself for the next period.
func checkFire(t *eventer.Task, _ eventer.Mask, closure any, now time.Time) eventer.Mask {
	c := closure.(*check)
	if c.inflight {
		c.log.Warning().
			Str(`check`, c.cfg.Name).
			Log(`previous probe still running, skipping`)
	} else if err := c.r.Add(eventer.NewAsyncTask(c.cfg.Timeout, checkProbe, &probe{check: c, queued: now})); err != nil {
		c.log.Err().
			Err(err).
			Str(`check`, c.cfg.Name).
			Log(`failed to queue probe`)
	} else {
		c.inflight = true
	}
	t.Whence = now.Add(c.cfg.Period)
	return eventer.Timer
}

// checkProbe dials the target on a worker, and reports the result from the
// reactor goroutine.
func checkProbe(t *eventer.Task, mask eventer.Mask, closure any, _ time.Time) eventer.Mask {
	p := closure.(*probe)
	c := p.check
	switch mask {
	case eventer.AsyncWork:
		ctx := t.Context()
		res := checkResult{Name: c.cfg.Name, Target: c.cfg.Target, Start: time.Now()}
		var d net.Dialer
		conn, err := d.DialContext(ctx, `tcp`, c.cfg.Target)
		res.Duration = time.Since(res.Start)
		if err == nil {
			_ = conn.Close()
		}
		if cause := context.Cause(ctx); errors.Is(cause, eventer.ErrJobTimeout) {
			res.TimedOut = true
			err = cause
		}
		res.Err = err
		p.result.Store(&res)

	case eventer.Async:
		c.inflight = false
		res := p.result.Load()
		if res == nil {
			// skipped or abandoned at the deadline
			res = &checkResult{
				Name:     c.cfg.Name,
				Target:   c.cfg.Target,
				Start:    p.queued,
				Duration: time.Since(p.queued),
				Err:      eventer.ErrJobTimeout,
				TimedOut: true,
			}
		}
		select {
		case c.results <- *res:
		default:
			c.log.Warning().
				Str(`check`, c.cfg.Name).
				Log(`result dropped, collector is behind`)
		}
	}
	return 0
}
