// Package goroutineid identifies the calling goroutine.
//
// The id is parsed from the header of the goroutine's own stack trace. It is
// stable for the lifetime of the goroutine, and is never zero for a running
// goroutine, which lets callers use zero as "no owner".
package goroutineid

import (
	"runtime"
)

// Get returns the id of the calling goroutine.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
