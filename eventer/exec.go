package eventer

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// CommandResult is the outcome of a CommandTask.
type CommandResult struct {
	Err      error
	Output   []byte
	Duration time.Duration
	ExitCode int
	// TimedOut is set if the process was killed at the deadline.
	TimedOut bool
}

// CommandTask returns an Async task that runs a command in a child process,
// killing it if it is still running after timeout. Unlike an arbitrary
// blocking call, a child process can be preempted, so the worker is never
// left waiting past the deadline by the command itself.
//
// The deadline is enforced within the work phase, rather than by the
// reactor, so the task's Whence is left unset. done is called on the
// reactor goroutine with the result, and its return value is handled like
// any other completion.
func CommandTask(timeout time.Duration, done func(res *CommandResult) Mask, name string, args ...string) *Task {
	res := &CommandResult{ExitCode: -1}
	cb := func(t *Task, mask Mask, _ any, _ time.Time) Mask {
		switch mask {
		case AsyncWork:
			ctx := t.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.WaitDelay = time.Second
			start := time.Now()
			res.Output, res.Err = cmd.CombinedOutput()
			res.Duration = time.Since(start)
			if cmd.ProcessState != nil {
				res.ExitCode = cmd.ProcessState.ExitCode()
			}
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		case Async:
			if done != nil {
				return done(res)
			}
		}
		return 0
	}
	return NewAsyncTask(0, cb, res)
}
