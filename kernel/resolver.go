package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/module"
)

// A Resolution is the outcome of resolving a configuration: the modules that may be loaded, in
// activation order, and a configuration error for every module that may not.
type Resolution struct {
	// Order lists every resolved module after all of its dependencies.
	Order []string
	// Failed holds one error per module excluded from Order.
	Failed map[string]*module.ConfigurationError
	// Graph holds every declared module and every edge to a declared target.
	Graph *Graph

	decls map[string]module.Declaration
	regs  map[string]module.Registration
}

// Declaration returns the declaration the resolution used for name.
func (r *Resolution) Declaration(name string) (module.Declaration, bool) {
	decl, ok := r.decls[name]
	return decl, ok
}

// Resolved reports whether name may be loaded.
func (r *Resolution) Resolved(name string) bool {
	_, declared := r.decls[name]
	_, failed := r.Failed[name]
	return declared && !failed
}

// Err returns every failure combined, ordered by module name.
func (r *Resolution) Err() error {
	var errs error
	for _, name := range r.FailedNames() {
		errs = multierr.Append(errs, r.Failed[name])
	}
	return errs
}

// FailedNames returns the names of failed modules, sorted.
func (r *Resolution) FailedNames() []string {
	names := lo.Keys(r.Failed)
	sort.Strings(names)
	return names
}

// index returns the position of name in Order or -1.
func (r *Resolution) index(name string) int {
	return lo.IndexOf(r.Order, name)
}

// inOrder sorts names by activation order. Names not in Order come first, by name.
func (r *Resolution) inOrder(names []string) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		ii, jj := r.index(out[i]), r.index(out[j])
		if ii == jj {
			return out[i] < out[j]
		}
		return ii < jj
	})
	return out
}

type resolver struct {
	res *Resolution
}

func (rv *resolver) fail(name string, reason module.Reason, format string, args ...interface{}) {
	if _, ok := rv.res.Failed[name]; ok {
		return
	}
	rv.res.Failed[name] = &module.ConfigurationError{
		Module: name,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Resolve builds and validates the dependency graph of cfg and computes the activation order.
// Modules unaffected by a failure still resolve.
func Resolve(cfg *config.Config) *Resolution {
	res := &Resolution{
		Failed: map[string]*module.ConfigurationError{},
		Graph:  NewGraph(),
		decls:  map[string]module.Declaration{},
		regs:   map[string]module.Registration{},
	}
	rv := &resolver{res: res}

	var decls []module.Declaration
	if cfg != nil {
		decls = cfg.Declarations()
	}
	kinds := map[string][]string{}
	for _, decl := range decls {
		kinds[decl.Name] = append(kinds[decl.Name], string(decl.Kind))
		if _, ok := res.decls[decl.Name]; !ok {
			res.decls[decl.Name] = decl
		}
		res.Graph.AddNode(decl.Name)
	}
	names := res.Graph.Nodes()

	for _, name := range names {
		if len(kinds[name]) > 1 {
			rv.fail(name, module.ReasonDuplicateName, "declared as %s", strings.Join(kinds[name], " and "))
			continue
		}
		rv.checkDeclaration(res.decls[name])
	}

	for _, name := range names {
		decl := res.decls[name]
		for _, slot := range decl.Slots() {
			target := decl.Connect[slot]
			if res.Graph.Has(target) {
				res.Graph.AddDependency(name, target)
			}
		}
		rv.checkConnectors(decl)
	}

	rv.findCycles(names)
	rv.propagate(names)
	res.Order = rv.order(names)
	return res
}

func (rv *resolver) checkDeclaration(decl module.Declaration) {
	name := decl.Name
	if err := decl.Kind.Validate(); err != nil {
		rv.fail(name, module.ReasonInvalidKind, "%v", err)
		return
	}
	if decl.IsRemote() {
		if decl.Implementation != "" {
			rv.fail(name, module.ReasonInvalidRemote, "a remote module cannot also name an implementation")
			return
		}
		if _, err := module.ParseRemote(decl.Remote); err != nil {
			rv.fail(name, module.ReasonInvalidRemote, "%v", err)
			return
		}
		if len(decl.Interfaces) == 0 {
			rv.fail(name, module.ReasonInvalidRemote, "a remote module must list its interfaces")
			return
		}
		for _, iface := range decl.Interfaces {
			if _, ok := module.LookupInterface(iface); !ok {
				rv.fail(name, module.ReasonUnknownInterface, "interface %q is not registered", iface)
				return
			}
		}
	} else if decl.Implementation == "" {
		rv.fail(name, module.ReasonUnknownImplementation, "no implementation given")
		return
	}

	reg, err := module.RegistrationFor(decl)
	if err != nil {
		if decl.IsRemote() {
			rv.fail(name, module.ReasonInvalidRemote, "%v", err)
		} else {
			rv.fail(name, module.ReasonUnknownImplementation, "implementation %q is not registered", decl.Implementation)
		}
		return
	}
	if reg.Kind != decl.Kind {
		rv.fail(name, module.ReasonInvalidKind,
			"implementation %q is a %s module but is declared as %s", decl.Implementation, reg.Kind, decl.Kind)
		return
	}
	rv.res.regs[name] = reg

	if missing := module.MissingRequiredOptions(reg.Options, decl.Options); len(missing) > 0 {
		rv.fail(name, module.ReasonMissingOption, "required options not set: %s", strings.Join(missing, ", "))
	}
}

// interfacesOf returns the interfaces a declared target offers to its dependents.
func (rv *resolver) interfacesOf(target string) ([]string, bool) {
	decl := rv.res.decls[target]
	if decl.IsRemote() {
		return decl.Interfaces, true
	}
	reg, ok := rv.res.regs[target]
	if !ok {
		return nil, false
	}
	return module.SatisfiedInterfaces(reg.Operations), true
}

func (rv *resolver) checkConnectors(decl module.Declaration) {
	name := decl.Name
	reg, ok := rv.res.regs[name]
	if !ok {
		return
	}
	for _, slot := range decl.Slots() {
		spec, ok := reg.Connectors[slot]
		if !ok {
			rv.fail(name, module.ReasonUnknownSlot, "implementation has no connector %q", slot)
			return
		}
		target := decl.Connect[slot]
		if target == name {
			rv.fail(name, module.ReasonCycle, "connector %q points at the module itself", slot)
			return
		}
		if !rv.res.Graph.Has(target) {
			rv.fail(name, module.ReasonUnknownTarget, "connector %q targets undeclared module %q", slot, target)
			return
		}
		offered, known := rv.interfacesOf(target)
		if !known {
			// The target failed on its own and the failure propagates.
			continue
		}
		if !lo.Contains(offered, spec.Interface) {
			rv.fail(name, module.ReasonInterfaceMismatch,
				"connector %q requires %q but %q offers %v", slot, spec.Interface, target, offered)
			return
		}
	}
	slots := lo.Keys(reg.Connectors)
	sort.Strings(slots)
	for _, slot := range slots {
		if _, bound := decl.Connect[slot]; !bound && !reg.Connectors[slot].Optional {
			rv.fail(name, module.ReasonUnboundSlot, "required connector %q is not bound", slot)
			return
		}
	}
}

const (
	unvisited = iota
	visiting
	visited
)

// findCycles runs a depth first traversal with a visiting marker and fails every module on each
// cycle it finds.
func (rv *resolver) findCycles(names []string) {
	g := rv.res.Graph
	marks := map[string]int{}
	var stack []string

	var visit func(n string)
	visit = func(n string) {
		marks[n] = visiting
		stack = append(stack, n)
		for _, dep := range g.Dependencies(n) {
			switch marks[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				start := lo.IndexOf(stack, dep)
				cycle := append(append([]string(nil), stack[start:]...), dep)
				for _, member := range stack[start:] {
					rv.fail(member, module.ReasonCycle, "%s", strings.Join(cycle, " -> "))
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[n] = visited
	}
	for _, n := range names {
		if marks[n] == unvisited {
			visit(n)
		}
	}
}

// propagate fails every module that transitively depends on a failed one.
func (rv *resolver) propagate(names []string) {
	for changed := true; changed; {
		changed = false
		for _, n := range names {
			if _, failed := rv.res.Failed[n]; failed {
				continue
			}
			for _, dep := range rv.res.Graph.Dependencies(n) {
				if _, failed := rv.res.Failed[dep]; failed {
					rv.fail(n, module.ReasonDependencyFailed, "depends on %q", dep)
					changed = true
					break
				}
			}
		}
	}
}

// order emits resolved modules in depth first postorder so every module follows its dependencies.
func (rv *resolver) order(names []string) []string {
	done := map[string]bool{}
	var out []string
	var visit func(n string)
	visit = func(n string) {
		if done[n] {
			return
		}
		done[n] = true
		for _, dep := range rv.res.Graph.Dependencies(n) {
			visit(dep)
		}
		out = append(out, n)
	}
	for _, n := range names {
		if _, failed := rv.res.Failed[n]; !failed {
			visit(n)
		}
	}
	return out
}
