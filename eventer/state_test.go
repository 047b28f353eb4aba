package eventer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastState(t *testing.T) {
	var s fastState
	assert.Equal(t, stateAwake, s.load())
	assert.False(t, s.tryTransition(stateRunning, stateTerminating))
	assert.True(t, s.tryTransition(stateAwake, stateRunning))
	s.store(stateTerminated)
	assert.Equal(t, `terminated`, s.load().String())
	assert.Equal(t, `unknown`, reactorState(9).String())
}
