package operation

import (
	"context"
	"sync"
	"time"

	"go.viam.com/utils"
)

// Exclusive runs at most one operation at a time: starting a new one cancels whatever is running.
// Hardware modules hold one per actuator so that a new command supersedes the one in flight, for
// example a second move on a positioner axis or a new exposure on a spectrometer.
//
// Work started from inside a running operation (its context carries the operation) joins it
// instead of cancelling it. The zero value is ready to use.
type Exclusive struct {
	mu      sync.Mutex
	current *running
}

type running struct {
	label   string
	started time.Time
	cancel  context.CancelFunc
}

type exclusiveKey struct {
	e *Exclusive
}

func (e *Exclusive) owner(ctx context.Context) *running {
	r, _ := ctx.Value(exclusiveKey{e}).(*running)
	return r
}

// Start cancels the running operation and starts a new one named label. The returned function
// must be called when the operation ends.
func (e *Exclusive) Start(ctx context.Context, label string) (context.Context, func()) {
	if e.owner(ctx) != nil {
		return ctx, func() {}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked(ctx)

	r := &running{label: label, started: time.Now()}
	opCtx, cancel := context.WithCancel(context.WithValue(ctx, exclusiveKey{e}, r))
	r.cancel = cancel
	e.current = r
	return opCtx, func() {
		cancel()
		e.mu.Lock()
		if e.current == r {
			e.current = nil
		}
		e.mu.Unlock()
	}
}

// Cancel stops the running operation, unless ctx belongs to it.
func (e *Exclusive) Cancel(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked(ctx)
}

func (e *Exclusive) cancelLocked(ctx context.Context) {
	if e.current == nil || e.owner(ctx) == e.current {
		return
	}
	e.current.cancel()
	e.current = nil
}

// Running returns the label of the running operation and how long it has been running.
func (e *Exclusive) Running() (string, time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", 0, false
	}
	return e.current.label, time.Since(e.current.started), true
}

// Wait runs a timed operation named label. It reports whether the full duration elapsed; false
// means it was superseded, cancelled, or ctx ended first.
func (e *Exclusive) Wait(ctx context.Context, label string, dur time.Duration) bool {
	ctx, done := e.Start(ctx, label)
	defer done()
	return utils.SelectContextOrWait(ctx, dur)
}
