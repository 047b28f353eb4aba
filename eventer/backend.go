package eventer

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type (
	// Backend is one OS readiness primitive. The registration contract seen
	// by callers (Add, Remove, Update, and friends) is implemented once, by
	// Reactor, on top of this interface. Each implementation absorbs its
	// own asymmetry within Arm.
	//
	// Arm and Propset may be called from any goroutine, but never
	// concurrently for the same fd. Wait is only ever called by the reactor
	// goroutine.
	Backend interface {
		Name() string

		// Init creates the OS context. fdLimit is the number of descriptor
		// values the reactor supports.
		Init(fdLimit int) error

		// Propset handles backend-local properties, returning
		// ErrUnknownProperty for anything else.
		Propset(key, value string) error

		// Arm moves the OS interest for fd from prev to next. A prev of 0
		// associates fd, a next of 0 disassociates it. The reactor calls
		// Arm after every dispatch of fd, even if the mask is unchanged, so
		// one-shot primitives can re-associate.
		Arm(fd int, prev, next Mask) error

		// Wait blocks for at most timeout, and calls ready for every
		// readiness report. An fd may be reported more than once per call.
		Wait(timeout time.Duration, ready func(fd int, mask Mask)) error

		Close() error
	}

	// BackendFactory constructs an uninitialized Backend.
	BackendFactory func() Backend

	// staleWaiter is implemented by backends whose in-progress Wait does not
	// observe Arm calls from other goroutines, requiring a wakeup.
	staleWaiter interface {
		staleWhileWaiting() bool
	}
)

var backendRegistry struct {
	factories map[string]BackendFactory
	mu        sync.RWMutex
}

// RegisterBackend makes a backend available by name. Registering the same
// name twice panics.
func RegisterBackend(name string, factory BackendFactory) {
	if factory == nil {
		panic(`eventer: nil backend factory`)
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	if backendRegistry.factories == nil {
		backendRegistry.factories = make(map[string]BackendFactory)
	}
	if _, ok := backendRegistry.factories[name]; ok {
		panic(`eventer: backend registered twice: ` + name)
	}
	backendRegistry.factories[name] = factory
}

// Backends returns the sorted names of the backends available on this
// platform.
func Backends() []string {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	names := make([]string, 0, len(backendRegistry.factories))
	for name := range backendRegistry.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newBackend(name string) (Backend, error) {
	if name == `` {
		name = defaultBackend
	}
	backendRegistry.mu.RLock()
	factory := backendRegistry.factories[name]
	backendRegistry.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf(`%w: %q`, ErrUnknownBackend, name)
	}
	return factory(), nil
}
