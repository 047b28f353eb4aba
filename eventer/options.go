// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventer

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxSleep bounds a single wait in the backend, so that state
	// changes which don't wake the poller are observed promptly.
	DefaultMaxSleep = 100 * time.Millisecond

	// DefaultQueueThreads is the number of workers started by Run for the
	// default job queue.
	DefaultQueueThreads = 4

	// DefaultQueueCapacity is the maximum number of queued jobs.
	DefaultQueueCapacity = 65536
)

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	logger              *logiface.Logger[logiface.Event]
	backend             string
	maxSleep            time.Duration
	fdLimit             int
	defaultQueueThreads int
	queueCapacity       int
	metricsEnabled      bool
}

// Option configures a Reactor instance.
type Option interface {
	applyReactor(*reactorOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (o *optionImpl) applyReactor(opts *reactorOptions) error {
	return o.applyReactorFunc(opts)
}

// WithBackend selects the readiness backend by name, see Backends. The
// default depends on the platform.
func WithBackend(name string) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.backend = name
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxSleep bounds each wait in the backend, defaults to
// DefaultMaxSleep.
func WithMaxSleep(d time.Duration) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if d <= 0 {
			return fmt.Errorf(`eventer: invalid max sleep: %s`, d)
		}
		opts.maxSleep = d
		return nil
	}}
}

// WithFDLimit overrides the number of descriptor values supported, which
// otherwise follows RLIMIT_NOFILE.
func WithFDLimit(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return fmt.Errorf(`eventer: invalid fd limit: %d`, n)
		}
		opts.fdLimit = n
		return nil
	}}
}

// WithDefaultQueueThreads sets the number of workers Run starts for the
// default job queue. Zero is valid, and leaves jobs queued until
// JobQueue.IncreaseConcurrency is called.
func WithDefaultQueueThreads(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 0 {
			return fmt.Errorf(`eventer: invalid queue threads: %d`, n)
		}
		opts.defaultQueueThreads = n
		return nil
	}}
}

// WithQueueCapacity bounds the default job queue.
func WithQueueCapacity(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return fmt.Errorf(`eventer: invalid queue capacity: %d`, n)
		}
		opts.queueCapacity = n
		return nil
	}}
}

// WithMetrics enables latency quantiles for jobs. Counters are always
// maintained.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to reactorOptions.
func resolveOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		maxSleep:            DefaultMaxSleep,
		defaultQueueThreads: DefaultQueueThreads,
		queueCapacity:       DefaultQueueCapacity,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
