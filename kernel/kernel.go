// Package kernel implements the module orchestration kernel: it resolves a configuration into a
// dependency graph, owns every module instance, and drives each one through its lifecycle.
//
// Lifecycle operations (Load, Activate, Deactivate, Reload, Start, Unload, Reconfigure, Close)
// are serialized on a single kernel-wide lock, the logical control thread. Invocations never take
// that lock; they are serialized per module with every lifecycle hook of the same instance.
package kernel

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
)

// ErrClosed is returned by lifecycle operations on a closed kernel.
var ErrClosed = errors.New("kernel is closed")

// A StateChange is published whenever a module changes lifecycle state.
type StateChange struct {
	Name string
	From module.State
	To   module.State
	// Err is the cause when To is Error.
	Err error
}

type lockState struct {
	cancel   context.CancelFunc
	released chan struct{}
}

// node is the registry entry of a single module.
type node struct {
	name   string
	logger logging.Logger

	// instanceMu is held for every invocation and lifecycle hook of the instance.
	instanceMu sync.Mutex

	mu       sync.Mutex
	decl     module.Declaration
	state    module.State
	instance module.Module
	cause    error
	lock     *lockState
	stopping bool
}

func (n *node) snapshot() (module.State, module.Module) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.instance
}

// Kernel is the module registry and lifecycle controller.
type Kernel struct {
	logger logging.Logger
	opts   options

	// lifecycleMu serializes lifecycle operations.
	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	cfg        *config.Config
	resolution *Resolution
	nodes      map[string]*node
	closed     bool

	subsMu  sync.Mutex
	subs    map[int]chan StateChange
	nextSub int
}

// New returns a kernel for cfg with every declared module Unloaded. Nothing is instantiated until
// a lifecycle operation asks for it.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) *Kernel {
	if cfg == nil {
		cfg = &config.Config{}
	}
	o := defaultOptions()
	if d, err := cfg.Global.UnlockTimeoutDuration(); err == nil {
		o.unlockTimeout = d
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	k := &Kernel{
		logger: logger,
		opts:   o,
		nodes:  map[string]*node{},
		subs:   map[int]chan StateChange{},
	}
	k.swapConfig(cfg.Copy())
	return k
}

// swapConfig installs cfg and a fresh resolution of it and creates nodes for new names. Nodes
// for names cfg no longer declares are left for the caller to remove.
func (k *Kernel) swapConfig(cfg *config.Config) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg = cfg
	k.resolution = Resolve(cfg)
	for _, name := range k.resolution.Graph.Nodes() {
		decl, _ := k.resolution.Declaration(name)
		n, ok := k.nodes[name]
		if !ok {
			n = &node{name: name, logger: k.logger.Sublogger(name)}
			k.nodes[name] = n
		}
		n.mu.Lock()
		n.decl = decl
		n.mu.Unlock()
	}
}

func (k *Kernel) reresolve() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resolution = Resolve(k.cfg)
}

// Config returns a copy of the configuration the kernel is running.
func (k *Kernel) Config() *config.Config {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cfg.Copy()
}

// Resolution returns the current resolution.
func (k *Kernel) Resolution() *Resolution {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.resolution
}

func (k *Kernel) node(name string) (*node, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n, ok := k.nodes[name]
	return n, ok
}

func (k *Kernel) checkOpen() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	return nil
}

// Names returns every declared module name, sorted.
func (k *Kernel) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.nodes))
	for name := range k.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns the lifecycle state of the named module.
func (k *Kernel) State(name string) (module.State, error) {
	n, ok := k.node(name)
	if !ok {
		return module.StateUnloaded, module.NewModuleNotFoundError(name)
	}
	state, _ := n.snapshot()
	return state, nil
}

// Cause returns the error that moved the named module into Error, if any.
func (k *Kernel) Cause(name string) error {
	n, ok := k.node(name)
	if !ok {
		return module.NewModuleNotFoundError(name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cause
}

// RemoteAccessible reports whether the named module may be resolved by remote sessions.
func (k *Kernel) RemoteAccessible(name string) (bool, error) {
	n, ok := k.node(name)
	if !ok {
		return false, module.NewModuleNotFoundError(name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decl.AllowRemote, nil
}

// RemoteModules returns the names of every remote-accessible module, sorted.
func (k *Kernel) RemoteModules() []string {
	var out []string
	for _, name := range k.Names() {
		if ok, err := k.RemoteAccessible(name); err == nil && ok {
			out = append(out, name)
		}
	}
	return out
}

// transition moves n to state and publishes the change. Callers must hold n.mu.
func (k *Kernel) transition(n *node, to module.State, cause error) {
	from := n.state
	n.state = to
	if to == module.StateError {
		n.cause = cause
	} else {
		n.cause = nil
	}
	if from == to {
		return
	}
	if to == module.StateError {
		n.logger.Errorw("module entered error state", "from", from, "error", cause)
	} else {
		n.logger.Debugw("module state changed", "from", from, "to", to)
	}
	k.publish(StateChange{Name: n.name, From: from, To: to, Err: cause})
}

func (k *Kernel) setState(n *node, to module.State, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	k.transition(n, to, cause)
}

// Subscribe returns a channel of state changes and a function that ends the subscription.
// Changes are dropped rather than blocking the kernel when the subscriber falls behind.
func (k *Kernel) Subscribe() (<-chan StateChange, func()) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()
	id := k.nextSub
	k.nextSub++
	ch := make(chan StateChange, k.opts.subscriberBuffer)
	k.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			k.subsMu.Lock()
			defer k.subsMu.Unlock()
			if sub, ok := k.subs[id]; ok {
				delete(k.subs, id)
				close(sub)
			}
		})
	}
}

func (k *Kernel) publish(change StateChange) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()
	for _, ch := range k.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (k *Kernel) closeSubscriptions() {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()
	for id, ch := range k.subs {
		delete(k.subs, id)
		close(ch)
	}
}

// Invoke performs a call, get or set against a running module. It is serialized with every other
// invocation and lifecycle hook of the same module. An invocation that fails with a
// module.FaultError moves the module to Error.
func (k *Kernel) Invoke(ctx context.Context, name string, req module.Request) (interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "kernel::Invoke")
	defer span.End()

	if err := req.Action.Validate(); err != nil {
		return nil, err
	}
	n, ok := k.node(name)
	if !ok {
		return nil, module.NewModuleNotFoundError(name)
	}

	n.instanceMu.Lock()
	defer n.instanceMu.Unlock()

	state, instance := n.snapshot()
	switch {
	case state == module.StateUnloaded || instance == nil:
		return nil, module.NewModuleNotFoundError(name)
	case !state.Running():
		return nil, &module.InvalidStateError{Module: name, Op: "invoke " + req.Name + " on", State: state}
	}

	res, err := instance.Invoke(ctx, req)
	if err != nil && module.IsFaultError(err) {
		n.mu.Lock()
		if n.instance == instance {
			k.transition(n, module.StateError, err)
		}
		n.mu.Unlock()
	}
	return res, err
}

// nodeLifecycle is the module.Lifecycle handed to an instance.
type nodeLifecycle struct {
	k *Kernel
	n *node
}

func (l *nodeLifecycle) State() module.State {
	state, _ := l.n.snapshot()
	return state
}

// Lock moves the module to Locked. The returned context keeps ctx's values but not its
// cancellation: it is cancelled only when the kernel asks the module to stop or done is called.
func (l *nodeLifecycle) Lock(ctx context.Context) (context.Context, func(), error) {
	n := l.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopping {
		return nil, nil, &module.BusyError{Module: n.name, Detail: "deactivation pending"}
	}
	if n.state != module.StateIdle {
		return nil, nil, &module.BusyError{Module: n.name, Detail: "module is " + n.state.String()}
	}

	lockCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ls := &lockState{cancel: cancel, released: make(chan struct{})}
	n.lock = ls
	l.k.transition(n, module.StateLocked, nil)

	var once sync.Once
	done := func() {
		once.Do(func() {
			n.mu.Lock()
			if n.lock == ls {
				n.lock = nil
				if n.state == module.StateLocked {
					l.k.transition(n, module.StateIdle, nil)
				}
			}
			n.mu.Unlock()
			close(ls.released)
			cancel()
		})
	}
	return lockCtx, done, nil
}
