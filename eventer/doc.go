// Package eventer implements a portable reactor for network-facing daemons.
//
// A [Reactor] multiplexes descriptor readiness, one-shot timers, recurrent
// housekeeping callbacks, and blocking work items executed by a bounded
// worker pool under a wall-clock deadline. Every kind of work is described
// by a [Task], and every callback shares one signature:
//
//	func(t *Task, mask Mask, closure any, now time.Time) Mask
//
// The returned [Mask] is the callback's verdict on the task's future: zero
// releases it, anything else re-arms it with the returned interest.
//
// The OS readiness primitive is chosen once per reactor (see [Backends] and
// [WithBackend]): epoll (level or one-shot) on Linux, kqueue on darwin and
// the BSDs, and poll(2) everywhere else.
package eventer
