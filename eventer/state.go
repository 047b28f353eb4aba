package eventer

import (
	"sync/atomic"
)

// reactorState is the lifecycle of a Reactor.
//
//	stateAwake → stateRunning        [Run]
//	stateAwake → stateTerminating    [Close before Run]
//	stateRunning → stateTerminating  [Close, or Run's context canceled]
//	stateTerminating → stateTerminated
type reactorState uint32

const (
	stateAwake reactorState = iota
	stateRunning
	stateTerminating
	stateTerminated
)

func (s reactorState) String() string {
	switch s {
	case stateAwake:
		return `awake`
	case stateRunning:
		return `running`
	case stateTerminating:
		return `terminating`
	case stateTerminated:
		return `terminated`
	default:
		return `unknown`
	}
}

// fastState is a lock-free state cell. Transitions between temporary
// states must use tryTransition, only the terminal state may be stored.
type fastState struct {
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

func (s *fastState) load() reactorState { return reactorState(s.v.Load()) }

func (s *fastState) store(state reactorState) { s.v.Store(uint32(state)) }

func (s *fastState) tryTransition(from, to reactorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
