package eventer

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// warnRates bounds repeated warnings per category, e.g. one timed out
// callback spamming the log.
var warnRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

func newWarnLimiter() *catrate.Limiter {
	return catrate.NewLimiter(warnRates)
}

// limited returns a builder for a rate limited log line, or nil (which
// discards everything) if category is over its rate.
func (r *Reactor) limited(level logiface.Level, category any) *logiface.Builder[logiface.Event] {
	b := r.log.Build(level)
	if b == nil {
		return nil
	}
	if _, ok := r.warnLimit.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b
}
