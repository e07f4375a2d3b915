package kernel

import (
	"time"

	"go.labforge.io/labkernel/config"
)

// options configures a Kernel.
type options struct {
	// unlockTimeout bounds how long Deactivate waits for a Locked module to yield.
	unlockTimeout time.Duration
	// subscriberBuffer is the channel size handed out by Subscribe.
	subscriberBuffer int
}

func defaultOptions() options {
	return options{
		unlockTimeout:    config.DefaultUnlockTimeout,
		subscriberBuffer: 64,
	}
}

// Option configures how we set up the kernel.
// Cribbed from https://github.com/grpc/grpc-go/blob/aff571cc86e6e7e740130dbbb32a9741558db805/dialoptions.go#L41
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
	return &funcOption{
		f: f,
	}
}

// WithUnlockTimeout returns an Option which sets how long deactivating a Locked module waits
// for it to return to Idle before failing with a busy error.
func WithUnlockTimeout(d time.Duration) Option {
	return newFuncOption(func(o *options) {
		if d > 0 {
			o.unlockTimeout = d
		}
	})
}

// WithSubscriberBuffer returns an Option which sets the buffer of state change subscriptions.
// Changes are dropped for subscribers whose buffer is full.
func WithSubscriberBuffer(n int) Option {
	return newFuncOption(func(o *options) {
		if n > 0 {
			o.subscriberBuffer = n
		}
	})
}
