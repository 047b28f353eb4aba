package eventer

import (
	"errors"
	"fmt"
)

var (
	// ErrInit wraps any failure to construct a reactor or its backend.
	ErrInit = errors.New("eventer: initialization failed")

	// ErrAlreadyRunning is returned by Run when the reactor is already
	// running on another goroutine, and by Propset once it has started.
	ErrAlreadyRunning = errors.New("eventer: reactor is already running")

	// ErrReentrantRun is returned by Run when called from the reactor's own
	// goroutine.
	ErrReentrantRun = errors.New("eventer: cannot call Run from within the reactor")

	// ErrClosed is returned once the reactor has been closed.
	ErrClosed = errors.New("eventer: reactor closed")

	ErrFDOutOfRange        = errors.New("eventer: fd out of range")
	ErrFDAlreadyRegistered = errors.New("eventer: fd already registered")
	ErrNotRegistered       = errors.New("eventer: task not registered")

	// ErrUnknownProperty is returned by Propset for keys that neither the
	// reactor nor its backend recognize.
	ErrUnknownProperty = errors.New("eventer: unknown property")

	// ErrUnknownBackend is returned when selecting a backend name that was
	// never registered, or is not supported on this platform.
	ErrUnknownBackend = errors.New("eventer: unknown backend")

	// ErrQueueFull is returned when a job queue is at capacity.
	ErrQueueFull = errors.New("eventer: job queue full")

	// ErrQueueClosed is returned by job queue operations after Close.
	ErrQueueClosed = errors.New("eventer: job queue closed")

	// ErrJobTimeout is the cancellation cause of a job context whose
	// deadline fired.
	ErrJobTimeout = errors.New("eventer: job deadline exceeded")

	// ErrJobCanceled is the cancellation cause used by CancelJob.
	ErrJobCanceled = errors.New("eventer: job canceled")

	// ErrNotSupported is returned by IOOps implementations that cannot
	// perform an operation.
	ErrNotSupported = errors.New("eventer: operation not supported")
)

// ContractViolation is the panic value raised when a caller breaks the
// ownership rules of the registration API, e.g. releasing a task that is
// still registered. These are programming errors, and are never returned.
type ContractViolation struct {
	Op   string
	Task *Task
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("eventer: contract violation: %s: %v", e.Op, e.Task)
}
