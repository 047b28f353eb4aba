package eventer

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// Names maps callbacks to human readable names, for logs and diagnostics.
// Each reactor owns one (see Reactor.Names).
//
// Callbacks are keyed by code pointer: every closure created by the same
// function literal shares one name.
type Names struct {
	byName map[string]Callback
	byPtr  map[uintptr]string
	mu     sync.RWMutex
}

func newNames() *Names {
	return &Names{
		byName: make(map[string]Callback),
		byPtr:  make(map[uintptr]string),
	}
}

// Register names cb. Registering a name again replaces the previous binding.
func (x *Names) Register(name string, cb Callback) {
	if cb == nil {
		panic(`eventer: nil callback`)
	}
	ptr := callbackPointer(cb)
	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.byName[name]; ok {
		delete(x.byPtr, callbackPointer(old))
	}
	x.byName[name] = cb
	x.byPtr[ptr] = name
}

// Lookup returns the callback registered under name.
func (x *Names) Lookup(name string) (Callback, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	cb, ok := x.byName[name]
	return cb, ok
}

// NameOf returns the registered name of cb, falling back to its function
// symbol, then to its address.
func (x *Names) NameOf(cb Callback) string {
	if cb == nil {
		return `<nil>`
	}
	if x != nil {
		x.mu.RLock()
		name, ok := x.byPtr[callbackPointer(cb)]
		x.mu.RUnlock()
		if ok {
			return name
		}
	}
	return funcName(cb)
}

func callbackPointer(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

func funcName(cb Callback) string {
	if cb == nil {
		return `<nil>`
	}
	ptr := callbackPointer(cb)
	if fn := runtime.FuncForPC(ptr); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf(`0x%x`, ptr)
}
