// Package operation tracks long running work: superseding single operations inside modules and
// in-flight remote invocations at the gateway.
package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type opKeyType string

const opKey = opKeyType("opid")

// Operation is an invocation in flight on behalf of a remote session.
type Operation struct {
	ID      uuid.UUID
	Session string
	Module  string
	Method  string
	Started time.Time
}

// Tracker records in-flight operations. Operations outlive the session that started them, so the
// tracker is owned by the gateway rather than any session.
type Tracker struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*Operation
	// drained is closed when the last operation finishes. It is nil while nothing is in flight.
	drained chan struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{ops: map[uuid.UUID]*Operation{}}
}

// Create records a new operation and puts it on the returned context. The returned function
// must be called when the operation finishes.
func (t *Tracker) Create(ctx context.Context, session, moduleName, method string) (context.Context, func()) {
	op := &Operation{
		ID:      uuid.New(),
		Session: session,
		Module:  moduleName,
		Method:  method,
		Started: time.Now(),
	}

	t.mu.Lock()
	t.ops[op.ID] = op
	if t.drained == nil {
		t.drained = make(chan struct{})
	}
	t.mu.Unlock()

	var once sync.Once
	return context.WithValue(ctx, opKey, op), func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.ops, op.ID)
			if len(t.ops) == 0 && t.drained != nil {
				close(t.drained)
				t.drained = nil
			}
			t.mu.Unlock()
		})
	}
}

// Current returns the in-flight operations, oldest first.
func (t *Tracker) Current() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Find returns the operation with the given id, or nil.
func (t *Tracker) Find(id uuid.UUID) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return nil
	}
	cp := *op
	return &cp
}

// Wait blocks until no operation is in flight or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		drained := t.drained
		t.mu.Unlock()
		if drained == nil {
			return nil
		}
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get returns the operation on ctx. This can be nil.
func Get(ctx context.Context) *Operation {
	op, _ := ctx.Value(opKey).(*Operation)
	return op
}
