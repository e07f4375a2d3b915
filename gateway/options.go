package gateway

import (
	"time"

	"github.com/benbjohnson/clock"

	"go.labforge.io/labkernel/config"
)

type options struct {
	idleTimeout  time.Duration
	reapInterval time.Duration
	clock        clock.Clock
}

func defaultOptions() options {
	return options{
		idleTimeout: config.DefaultIdleTimeout,
		clock:       clock.New(),
	}
}

// interval returns how often idle sessions are looked for.
func (o options) interval() time.Duration {
	if o.reapInterval > 0 {
		return o.reapInterval
	}
	if d := o.idleTimeout / 4; d > 0 {
		return d
	}
	return time.Second
}

// Option configures how a Server behaves.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an
// implementation of the Option interface.
type funcOption struct {
	f func(*options)
}

func (fdo *funcOption) apply(do *options) {
	fdo.f(do)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{f: f}
}

// WithIdleTimeout sets how long a session may go without a request before it is reaped.
func WithIdleTimeout(d time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.idleTimeout = d
	})
}

// WithReapInterval sets how often idle sessions are looked for. It defaults to a quarter of the
// idle timeout.
func WithReapInterval(d time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.reapInterval = d
	})
}

// WithClock sets the clock sessions are timed with.
func WithClock(c clock.Clock) Option {
	return newFuncOption(func(o *options) {
		o.clock = c
	})
}
