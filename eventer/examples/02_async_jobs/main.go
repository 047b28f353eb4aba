// Example: Async Jobs
//
// This example demonstrates blocking work under deadlines:
// - A job that finishes in time
// - A cooperative job, canceled through its context at the deadline
// - An uncooperative job, abandoned by its worker at the deadline
// - A child process, killed at the deadline by CommandTask
//
// Run with: go run ./examples/02_async_jobs/
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-eventer/eventer"
)

func main() {
	r, err := eventer.New(eventer.WithMetrics(true))
	if err != nil {
		fmt.Printf("Failed to create reactor: %v\n", err)
		return
	}

	var wg sync.WaitGroup
	report := func(name string) eventer.Callback {
		return func(t *eventer.Task, mask eventer.Mask, closure any, _ time.Time) eventer.Mask {
			switch mask {
			case eventer.AsyncWork:
				closure.(func(context.Context))(t.Context())
			case eventer.AsyncCleanup:
				fmt.Printf("%s: cleanup\n", name)
			case eventer.Async:
				fmt.Printf("%s: completed\n", name)
				wg.Done()
			}
			return 0
		}
	}

	jobs := []struct {
		name    string
		timeout time.Duration
		work    func(ctx context.Context)
	}{
		{"fast", time.Second, func(context.Context) {
			time.Sleep(10 * time.Millisecond)
		}},
		{"cooperative", 50 * time.Millisecond, func(ctx context.Context) {
			select {
			case <-ctx.Done():
				fmt.Printf("cooperative: %v\n", context.Cause(ctx))
			case <-time.After(5 * time.Second):
			}
		}},
		{"uncooperative", 50 * time.Millisecond, func(context.Context) {
			// ignores its context, the worker moves on without it
			time.Sleep(2 * time.Second)
		}},
	}

	for _, j := range jobs {
		wg.Add(1)
		if err := r.Add(eventer.NewAsyncTask(j.timeout, report(j.name), j.work)); err != nil {
			fmt.Printf("Failed to add %s: %v\n", j.name, err)
			return
		}
	}

	wg.Add(1)
	if err := r.Add(eventer.CommandTask(100*time.Millisecond, func(res *eventer.CommandResult) eventer.Mask {
		fmt.Printf("sleep: timed out=%v exit=%d after %s\n", res.TimedOut, res.ExitCode, res.Duration.Round(10*time.Millisecond))
		wg.Done()
		return 0
	}, "sleep", "5")); err != nil {
		fmt.Printf("Failed to add command: %v\n", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("Loop exited: %v\n", err)
		}
	}()

	wg.Wait()
	cancel()
	<-done

	m := r.Metrics()
	fmt.Printf("completed=%d timed_out=%d abandoned=%d\n", m.JobsCompleted, m.JobsTimedOut, m.AbandonedCalls)
	fmt.Printf("job run time: p50=%s max=%s\n", m.JobRun.P50.Round(time.Millisecond), m.JobRun.Max.Round(time.Millisecond))
}
