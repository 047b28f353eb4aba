package eventer

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eventer/internal/goroutineid"
	"golang.org/x/sys/unix"
)

const (
	fdPageBits = 10
	fdPageSize = 1 << fdPageBits

	minFDLimit = 1024
	maxFDLimit = 1 << 20
)

type (
	// fdSlot is the ownership record for one descriptor value. The mutex is
	// held by whichever goroutine is changing (or dispatching) the
	// registration, and owner records that goroutine so nested calls from
	// the same goroutine don't deadlock.
	fdSlot struct {
		task  *Task // guarded by mu
		owner atomic.Uint64
		mu    sync.Mutex
		armed Mask // guarded by mu
		ready Mask // reactor goroutine only
		// updated is set by Update, so dispatch can tell the callback changed
		// its own interest
		updated bool // guarded by mu
	}

	fdPage [fdPageSize]fdSlot

	// fdTable holds one slot per possible descriptor value, allocated in
	// pages on first use.
	fdTable struct {
		pages []atomic.Pointer[fdPage]
		limit int
		mu    sync.Mutex
	}

	lockHow uint8
)

const (
	// fdFresh means the lock was taken by this acquire, and must be
	// released.
	fdFresh lockHow = iota + 1
	// fdReentrant means the caller already owned the lock.
	fdReentrant
)

// defaultFDLimit sizes the table from RLIMIT_NOFILE.
func defaultFDLimit() (int, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	return clampFDLimit(lim.Cur), nil
}

func clampFDLimit[T int | uint64](v T) int {
	switch {
	case v < minFDLimit:
		return minFDLimit
	case v > maxFDLimit:
		return maxFDLimit
	default:
		return int(v)
	}
}

func newFDTable(limit int) *fdTable {
	return &fdTable{
		pages: make([]atomic.Pointer[fdPage], (limit+fdPageSize-1)>>fdPageBits),
		limit: limit,
	}
}

// slot returns the slot for fd, allocating its page if necessary.
func (x *fdTable) slot(fd int) (*fdSlot, error) {
	if fd < 0 || fd >= x.limit {
		return nil, ErrFDOutOfRange
	}
	p := &x.pages[fd>>fdPageBits]
	page := p.Load()
	if page == nil {
		x.mu.Lock()
		if page = p.Load(); page == nil {
			page = new(fdPage)
			p.Store(page)
		}
		x.mu.Unlock()
	}
	return &page[fd&(fdPageSize-1)], nil
}

// peek returns the slot for fd without allocating, or nil.
func (x *fdTable) peek(fd int) *fdSlot {
	if fd < 0 || fd >= x.limit {
		return nil
	}
	page := x.pages[fd>>fdPageBits].Load()
	if page == nil {
		return nil
	}
	return &page[fd&(fdPageSize-1)]
}

// acquire takes ownership of fd's slot for the calling goroutine. If the
// caller already owns it, it returns immediately with fdReentrant.
func (x *fdTable) acquire(fd int) (*fdSlot, lockHow, error) {
	s, err := x.slot(fd)
	if err != nil {
		return nil, 0, err
	}
	return s, s.acquire(), nil
}

func (s *fdSlot) acquire() lockHow {
	me := goroutineid.Get()
	if s.owner.Load() == me {
		return fdReentrant
	}
	s.mu.Lock()
	s.owner.Store(me)
	return fdFresh
}

// release undoes a matching acquire. Only fdFresh actually unlocks.
func (s *fdSlot) release(how lockHow) {
	if how != fdFresh {
		return
	}
	s.owner.Store(0)
	s.mu.Unlock()
}

// each calls fn for every allocated slot that currently holds a task. Slots
// are inspected without their locks, so the result is only a hint.
func (x *fdTable) each(fn func(fd int, s *fdSlot)) {
	for i := range x.pages {
		page := x.pages[i].Load()
		if page == nil {
			continue
		}
		for j := range page {
			fn(i<<fdPageBits|j, &page[j])
		}
	}
}
