package kernel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
)

// lookup returns the node for name and the resolution it should be driven by.
func (k *Kernel) lookup(name string) (*node, *Resolution, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, nil, ErrClosed
	}
	n, ok := k.nodes[name]
	if !ok {
		return nil, nil, module.NewModuleNotFoundError(name)
	}
	return n, k.resolution, nil
}

// Load instantiates the named module and binds its connectors, moving it from Unloaded to
// Deactivated. Every connector target must already be loaded.
func (k *Kernel) Load(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.load(ctx, name)
}

func (k *Kernel) load(ctx context.Context, name string) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Load")
	defer span.End()

	n, res, err := k.lookup(name)
	if err != nil {
		return err
	}
	if cerr, failed := res.Failed[name]; failed {
		return cerr
	}
	state, _ := n.snapshot()
	if state != module.StateUnloaded {
		return &module.InvalidStateError{Module: name, Op: "load", State: state}
	}

	decl, _ := res.Declaration(name)
	reg, ok := res.regs[name]
	if !ok {
		return &module.ConfigurationError{Module: name, Reason: module.ReasonUnknownImplementation}
	}

	deps := module.Dependencies{
		Connectors: make(map[string]module.Ref, len(decl.Connect)),
		Lifecycle:  &nodeLifecycle{k: k, n: n},
	}
	for _, slot := range decl.Slots() {
		target := decl.Connect[slot]
		targetState, err := k.State(target)
		if err != nil {
			return err
		}
		if !targetState.Loaded() {
			return &module.DependencyError{Module: name, Dependency: target, State: targetState}
		}
		deps.Connectors[slot] = module.NewRef(target, reg.Connectors[slot].Interface, k)
	}
	decl.Options = module.ApplyOptionDefaults(reg.Options, decl.Options, n.logger)

	n.logger.CDebugw(ctx, "loading module", "implementation", decl.Implementation, "remote", decl.Remote)
	instance, err := reg.Constructor(ctx, deps, decl, n.logger)
	if err == nil {
		if missing := lo.Without(reg.Operations, instance.Operations()...); len(missing) > 0 {
			err = multierr.Combine(
				errors.Errorf("instance does not serve registered operations %v", missing),
				closeInstance(ctx, instance),
			)
		}
	}
	if err != nil {
		aerr := &module.ActivationError{Module: name, Phase: "load", Err: err}
		k.setState(n, module.StateError, aerr)
		return aerr
	}

	n.mu.Lock()
	n.instance = instance
	n.stopping = false
	k.transition(n, module.StateDeactivated, nil)
	n.mu.Unlock()
	return nil
}

// Activate moves the named module from Deactivated to Idle. Every connector target must be at
// least Deactivated. Activating a running module does nothing.
func (k *Kernel) Activate(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.activate(ctx, name)
}

func (k *Kernel) activate(ctx context.Context, name string) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Activate")
	defer span.End()

	n, res, err := k.lookup(name)
	if err != nil {
		return err
	}
	if cerr, failed := res.Failed[name]; failed {
		return cerr
	}
	decl, _ := res.Declaration(name)
	for _, target := range decl.Targets() {
		targetState, err := k.State(target)
		if err != nil {
			return err
		}
		if !targetState.Loaded() {
			return &module.DependencyError{Module: name, Dependency: target, State: targetState}
		}
	}

	state, instance := n.snapshot()
	switch state {
	case module.StateIdle, module.StateLocked:
		return nil
	case module.StateDeactivated:
	default:
		return &module.InvalidStateError{Module: name, Op: "activate", State: state}
	}

	n.instanceMu.Lock()
	err = instance.OnActivate(ctx)
	n.instanceMu.Unlock()
	if err != nil {
		aerr := &module.ActivationError{Module: name, Phase: "activate", Err: err}
		k.setState(n, module.StateError, aerr)
		return aerr
	}
	k.setState(n, module.StateIdle, nil)
	n.logger.CDebugw(ctx, "module activated")
	return nil
}

// Deactivate moves the named module to Deactivated. Every running module that transitively
// depends on it is deactivated first, in reverse activation order. A Locked module is asked to
// stop and waited for until it returns to Idle, ctx is done, or the unlock timeout elapses; in
// the latter two cases a BusyError is returned and the module stays Locked.
func (k *Kernel) Deactivate(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.deactivate(ctx, name)
}

func (k *Kernel) deactivate(ctx context.Context, name string) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Deactivate")
	defer span.End()

	n, _, err := k.lookup(name)
	if err != nil {
		return err
	}
	state, _ := n.snapshot()
	switch state {
	case module.StateDeactivated:
		return nil
	case module.StateIdle, module.StateLocked:
	default:
		return &module.InvalidStateError{Module: name, Op: "deactivate", State: state}
	}

	var stopped []string
	for _, dependent := range k.runningDependents(name) {
		if err := k.deactivateOne(ctx, dependent); err != nil {
			return k.restoreDependents(ctx, stopped, errors.Wrapf(err, "cascading deactivation of %q", name))
		}
		stopped = append(stopped, dependent)
	}
	if err := k.deactivateOne(ctx, name); err != nil {
		return k.restoreDependents(ctx, stopped, err)
	}
	return nil
}

// restoreDependents re-activates the dependents a cascade already stopped when the cascade is
// aborted by a BusyError, so that an aborted deactivation leaves every state as it was. stopped is
// in reverse activation order.
func (k *Kernel) restoreDependents(ctx context.Context, stopped []string, cause error) error {
	if !module.IsBusyError(cause) {
		return cause
	}
	errs := cause
	for i := len(stopped) - 1; i >= 0; i-- {
		if err := k.activate(ctx, stopped[i]); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "restoring %q", stopped[i]))
		}
	}
	return errs
}

// runningDependents returns the running transitive dependents of name in reverse activation order.
func (k *Kernel) runningDependents(name string) []string {
	res := k.Resolution()
	dependents := res.inOrder(res.Graph.AllDependents(name))
	out := make([]string, 0, len(dependents))
	for i := len(dependents) - 1; i >= 0; i-- {
		if state, err := k.State(dependents[i]); err == nil && state.Running() {
			out = append(out, dependents[i])
		}
	}
	return out
}

func (k *Kernel) deactivateOne(ctx context.Context, name string) error {
	n, ok := k.node(name)
	if !ok {
		return module.NewModuleNotFoundError(name)
	}

	n.mu.Lock()
	state := n.state
	if !state.Running() {
		n.mu.Unlock()
		if state == module.StateDeactivated {
			return nil
		}
		return &module.InvalidStateError{Module: name, Op: "deactivate", State: state}
	}
	n.stopping = true
	lock := n.lock
	n.mu.Unlock()

	if lock != nil {
		n.logger.CInfow(ctx, "requesting locked module to stop")
		lock.cancel()
		timer := time.NewTimer(k.opts.unlockTimeout)
		defer timer.Stop()
		select {
		case <-lock.released:
		case <-ctx.Done():
			return k.abortDeactivate(n, ctx.Err().Error())
		case <-timer.C:
			return k.abortDeactivate(n, "did not leave the locked state within "+k.opts.unlockTimeout.String())
		}
	}

	state, instance := n.snapshot()
	if state != module.StateIdle {
		n.mu.Lock()
		n.stopping = false
		n.mu.Unlock()
		return &module.InvalidStateError{Module: name, Op: "deactivate", State: state}
	}

	n.instanceMu.Lock()
	err := instance.OnDeactivate(ctx)
	n.instanceMu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopping = false
	if err != nil {
		aerr := &module.ActivationError{Module: name, Phase: "deactivate", Err: err}
		k.transition(n, module.StateError, aerr)
		return aerr
	}
	k.transition(n, module.StateDeactivated, nil)
	return nil
}

func (k *Kernel) abortDeactivate(n *node, detail string) error {
	n.mu.Lock()
	n.stopping = false
	n.mu.Unlock()
	n.logger.Warnw("deactivation aborted", "reason", detail)
	return &module.BusyError{Module: n.name, Detail: detail}
}

func closeInstance(ctx context.Context, instance module.Module) error {
	if closer, ok := instance.(module.Closer); ok {
		return closer.Close(ctx)
	}
	return nil
}

// discard drops the instance of a Deactivated or Error module and returns it to Unloaded.
func (k *Kernel) discard(ctx context.Context, n *node) error {
	n.mu.Lock()
	instance := n.instance
	n.instance = nil
	n.lock = nil
	n.stopping = false
	k.transition(n, module.StateUnloaded, nil)
	n.mu.Unlock()
	if instance == nil {
		return nil
	}
	n.instanceMu.Lock()
	defer n.instanceMu.Unlock()
	return closeInstance(ctx, instance)
}

// Unload discards the named module's instance. Only Deactivated and Error modules may be
// unloaded, and only once no loaded module connects to them.
func (k *Kernel) Unload(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.unload(ctx, name)
}

func (k *Kernel) unload(ctx context.Context, name string) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Unload")
	defer span.End()

	n, res, err := k.lookup(name)
	if err != nil {
		return err
	}
	state, _ := n.snapshot()
	switch state {
	case module.StateUnloaded:
		return nil
	case module.StateDeactivated, module.StateError:
	default:
		return &module.InvalidStateError{Module: name, Op: "unload", State: state}
	}
	for _, dependent := range res.Graph.Dependents(name) {
		if depState, err := k.State(dependent); err == nil && depState.Loaded() {
			return &module.DependencyError{Module: name, Dependency: dependent, State: depState, Dependent: true}
		}
	}
	return k.discard(ctx, n)
}

// Reload deactivates the named module and its running dependents, discards the instance,
// re-resolves the current configuration, then loads and activates the module again. Dependents
// that were running are re-activated afterwards. Reload is how a module leaves Error.
func (k *Kernel) Reload(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.reload(ctx, name)
}

func (k *Kernel) reload(ctx context.Context, name string) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Reload")
	defer span.End()

	n, _, err := k.lookup(name)
	if err != nil {
		return err
	}
	dependents := k.runningDependents(name)
	for _, dependent := range dependents {
		if err := k.deactivateOne(ctx, dependent); err != nil {
			return errors.Wrapf(err, "cascading deactivation of %q", name)
		}
	}
	if state, _ := n.snapshot(); state.Running() {
		if err := k.deactivateOne(ctx, name); err != nil {
			return err
		}
	}
	if err := k.discard(ctx, n); err != nil {
		n.logger.CWarnw(ctx, "error closing discarded instance", "error", err)
	}

	k.reresolve()
	if err := k.load(ctx, name); err != nil {
		return err
	}
	if err := k.activate(ctx, name); err != nil {
		return err
	}

	var errs error
	for i := len(dependents) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, k.activate(ctx, dependents[i]))
	}
	return errs
}

// Start loads and activates the named module and every module it depends on, in activation order.
func (k *Kernel) Start(ctx context.Context, name string) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	return k.start(ctx, name)
}

// start brings names and their dependencies up. Everything is loaded before anything is activated,
// so an activation failure leaves the dependents of the failed module Deactivated. Failures do
// not stop unrelated modules from starting; they are returned combined.
func (k *Kernel) start(ctx context.Context, names ...string) error {
	if err := k.checkOpen(); err != nil {
		return err
	}
	res := k.Resolution()

	var errs error
	closure := map[string]struct{}{}
	for _, name := range names {
		if _, declared := res.Declaration(name); !declared {
			errs = multierr.Append(errs, module.NewModuleNotFoundError(name))
			continue
		}
		if cerr, failed := res.Failed[name]; failed {
			errs = multierr.Append(errs, cerr)
			continue
		}
		closure[name] = struct{}{}
		for _, dep := range res.Graph.AllDependencies(name) {
			closure[dep] = struct{}{}
		}
	}

	sequence := res.inOrder(lo.Keys(closure))
	for _, m := range sequence {
		if state, _ := k.State(m); state == module.StateUnloaded {
			errs = multierr.Append(errs, k.load(ctx, m))
		}
	}
	for _, m := range sequence {
		state, _ := k.State(m)
		switch {
		case state == module.StateDeactivated:
			errs = multierr.Append(errs, k.activate(ctx, m))
		case state == module.StateError && lo.Contains(names, m):
			errs = multierr.Append(errs, &module.InvalidStateError{Module: m, Op: "start", State: state})
		}
	}
	return errs
}

// StartAll starts every module on the configuration's startup list, or every resolved module
// when the list is empty. A failure is local to the module it concerns; all failures, including
// resolution failures, are returned combined.
func (k *Kernel) StartAll(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "kernel::StartAll")
	defer span.End()

	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	if err := k.checkOpen(); err != nil {
		return err
	}

	names, explicit := k.startupNames()
	errs := k.start(ctx, names...)
	for _, err := range multierr.Errors(errs) {
		if !module.IsConfigurationError(err) {
			k.logger.CErrorw(ctx, "failed to start module", "error", err)
		}
	}
	if !explicit {
		errs = multierr.Append(k.Resolution().Err(), errs)
	}
	return errs
}

// startupNames returns the modules to start and whether the configuration listed them.
func (k *Kernel) startupNames() ([]string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.cfg.Global.Startup) == 0 {
		return append([]string(nil), k.resolution.Order...), false
	}
	return append([]string(nil), k.cfg.Global.Startup...), true
}

// Reconfigure moves the kernel to cfg. Removed modules are deactivated and unloaded, loaded
// modules whose declaration changed are reloaded, loaded modules that no longer resolve are
// unloaded, and every resolvable startup module that is not running or in Error is started.
func (k *Kernel) Reconfigure(ctx context.Context, cfg *config.Config) error {
	ctx, span := trace.StartSpan(ctx, "kernel::Reconfigure")
	defer span.End()

	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	if err := k.checkOpen(); err != nil {
		return err
	}

	old := k.Config()
	oldRes := k.Resolution()
	diff, err := config.DiffConfigs(*old, *cfg, false)
	if err != nil {
		return err
	}
	// Leftovers are modules an earlier reconfigure removed from the config but could not stop.
	var leftovers, redeclared []string
	for _, name := range k.Names() {
		if _, declared := oldRes.Declaration(name); declared {
			continue
		}
		if _, declared := cfg.Lookup(name); declared {
			redeclared = append(redeclared, name)
		} else {
			leftovers = append(leftovers, name)
		}
	}

	if diff.ModulesEqual && diff.GlobalEqual && len(leftovers) == 0 {
		return nil
	}
	k.logger.CInfow(ctx, "reconfiguring", "added", diff.Added, "modified", diff.Modified, "removed", diff.Removed, "leftovers", leftovers)

	var errs error
	removed := oldRes.inOrder(append(append([]string(nil), diff.Removed...), leftovers...))
	for i := len(removed) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, k.deactivateIfRunning(ctx, removed[i]))
	}

	k.swapConfig(cfg.Copy())
	res := k.Resolution()

	for i := len(removed) - 1; i >= 0; i-- {
		name := removed[i]
		n, ok := k.node(name)
		if !ok {
			continue
		}
		discarded, err := k.discardStopped(ctx, n)
		errs = multierr.Append(errs, err)
		if discarded {
			k.mu.Lock()
			delete(k.nodes, name)
			k.mu.Unlock()
		}
	}

	// Loaded modules that no longer resolve go back to Unloaded, dependents first.
	stale := oldRes.inOrder(lo.Filter(k.Names(), func(name string, _ int) bool {
		state, _ := k.State(name)
		return state != module.StateUnloaded && !res.Resolved(name) && !lo.Contains(removed, name)
	}))
	for i := len(stale) - 1; i >= 0; i-- {
		name := stale[i]
		errs = multierr.Append(errs, k.deactivateIfRunning(ctx, name))
		if n, ok := k.node(name); ok {
			_, err := k.discardStopped(ctx, n)
			errs = multierr.Append(errs, err)
		}
	}

	for _, name := range res.inOrder(append(append([]string(nil), diff.Modified...), redeclared...)) {
		if state, err := k.State(name); err != nil || state == module.StateUnloaded {
			continue
		}
		errs = multierr.Append(errs, k.reload(ctx, name))
	}

	if !diff.GlobalEqual {
		if err := logging.UpdateLoggerLevels(cfg.Global.Log, k.logger); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	startup, _ := k.startupNames()
	pending := lo.Filter(startup, func(name string, _ int) bool {
		state, err := k.State(name)
		return err == nil && res.Resolved(name) &&
			(state == module.StateUnloaded || state == module.StateDeactivated)
	})
	if len(pending) > 0 {
		errs = multierr.Append(errs, k.start(ctx, pending...))
	}
	return errs
}

// discardStopped discards n unless it is still running, which happens when it refused to leave
// the locked state. Such a module keeps its instance and is retried by the next reconfigure.
func (k *Kernel) discardStopped(ctx context.Context, n *node) (bool, error) {
	if state, _ := n.snapshot(); state.Running() {
		n.logger.CWarnw(ctx, "module is still running, keeping its instance", "state", state)
		return false, nil
	}
	return true, k.discard(ctx, n)
}

func (k *Kernel) deactivateIfRunning(ctx context.Context, name string) error {
	state, err := k.State(name)
	if err != nil || !state.Running() {
		return nil
	}
	return k.deactivate(ctx, name)
}

// Close deactivates and unloads every module, dependents first. The kernel cannot be used
// afterwards.
func (k *Kernel) Close(ctx context.Context) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	if err := k.checkOpen(); err != nil {
		return err
	}

	res := k.Resolution()
	names := res.inOrder(k.Names())
	var errs error
	for i := len(names) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, k.deactivateIfRunning(ctx, names[i]))
	}
	for i := len(names) - 1; i >= 0; i-- {
		n, ok := k.node(names[i])
		if !ok {
			continue
		}
		// Modules that refused to stop keep their instance.
		_, err := k.discardStopped(ctx, n)
		errs = multierr.Append(errs, err)
	}

	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.closeSubscriptions()
	return errs
}
