package eventer

import (
	"strconv"
	"strings"
)

// Mask is an interest (or trigger) mask. Values are fixed, and are shared by
// every backend.
type Mask uint32

const (
	Read         Mask = 0x01
	Write        Mask = 0x02
	Exception    Mask = 0x04
	Timer        Mask = 0x08
	AsyncWork    Mask = 0x10
	AsyncCleanup Mask = 0x20
	Async             = AsyncWork | AsyncCleanup
	Recurrent    Mask = 0x80

	// IOMask covers the bits a backend may be asked to watch.
	IOMask = Read | Write | Exception
)

var maskNames = [...]struct {
	bit  Mask
	name string
}{
	{Read, `read`},
	{Write, `write`},
	{Exception, `exception`},
	{Timer, `timer`},
	{AsyncWork, `async_work`},
	{AsyncCleanup, `async_cleanup`},
	{Recurrent, `recurrent`},
}

// IsIO reports whether any descriptor interest bit is set.
func (m Mask) IsIO() bool { return m&IOMask != 0 }

// IsAsync reports whether any blocking-work bit is set.
func (m Mask) IsAsync() bool { return m&Async != 0 }

func (m Mask) String() string {
	if m == 0 {
		return `none`
	}
	var b strings.Builder
	rest := m
	for _, v := range maskNames {
		if m&v.bit == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(v.name)
		rest &^= v.bit
	}
	if rest != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(`0x`)
		b.WriteString(strconv.FormatUint(uint64(rest), 16))
	}
	return b.String()
}
