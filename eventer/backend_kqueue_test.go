//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKqueue_exceptionAloneRejected(t *testing.T) {
	r := newTestReactor(t, WithBackend(`kqueue`), WithMaxSleep(10*time.Millisecond))
	a, _ := socketpair(t)

	task := NewFDTask(a, Exception, noopCallback, nil)
	err := r.Add(task)
	require.ErrorIs(t, err, ErrNotSupported)
	assert.False(t, task.Registered())
	assert.Nil(t, r.FindFD(a))

	// alongside a direction it is accepted
	task = NewFDTask(a, Read|Exception, noopCallback, nil)
	require.NoError(t, r.Add(task))
	assert.Same(t, task, r.FindFD(a))
}
