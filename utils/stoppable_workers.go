package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs background goroutines that share one context and are stopped together.
// Modules use it for pollers and motions that must end before the module deactivates.
type StoppableWorkers interface {
	// AddWorkers starts each function in its own goroutine. It reports false, starting nothing,
	// once the workers are stopping.
	AddWorkers(...func(context.Context)) bool
	// Running returns how many workers have not returned yet.
	Running() int
	// Stop cancels the shared context and waits for every worker to return.
	Stop()
	// Context is the context handed to every worker.
	Context() context.Context
}

type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running int
	wg      sync.WaitGroup
}

// NewStoppableWorkers starts funcs as workers under a fresh context.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithContext(context.Background(), funcs...)
}

// NewStoppableWorkersWithContext starts funcs as workers under a context derived from parent;
// cancelling parent stops them as well.
func NewStoppableWorkersWithContext(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(parent)
	g := &workerGroup{ctx: ctx, cancel: cancel}
	g.AddWorkers(funcs...)
	return g
}

func (g *workerGroup) AddWorkers(funcs ...func(context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.running += len(funcs)
	g.wg.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer g.finished()
			f(g.ctx)
		})
	}
	return true
}

func (g *workerGroup) finished() {
	g.mu.Lock()
	g.running--
	g.mu.Unlock()
	g.wg.Done()
}

func (g *workerGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *workerGroup) Stop() {
	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *workerGroup) Context() context.Context {
	return g.ctx
}
