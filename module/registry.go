package module

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.labforge.io/labkernel/logging"
)

type (
	// A Constructor builds a module instance from its bound dependencies and declaration. The
	// declaration's options already have defaults applied.
	Constructor func(
		ctx context.Context,
		deps Dependencies,
		conf Declaration,
		logger logging.Logger,
	) (Module, error)

	// A RemoteConstructor builds a proxy for a remote declaration.
	RemoteConstructor func(
		ctx context.Context,
		conf Declaration,
		logger logging.Logger,
	) (Module, error)
)

// ConnectorSpec declares a connector slot of an implementation.
type ConnectorSpec struct {
	// Interface is the capability contract the bound target must satisfy.
	Interface string
	// Optional slots may be left unbound.
	Optional bool
}

// A Registration stores construction info for an implementation. A constructor is mandatory.
type Registration struct {
	Kind        Kind
	Constructor Constructor

	// Operations lists every callable operation the instances serve. Interface matching is
	// evaluated against this set.
	Operations []string

	Connectors map[string]ConnectorSpec
	Options    []OptionSpec

	// Claims are interfaces the implementation promises to satisfy. A claim that does not hold
	// is a programming error and panics at registration.
	Claims []string
}

// all registries.
var (
	registryMu        sync.RWMutex
	registry          = map[string]Registration{}
	remoteConstructor RemoteConstructor
)

// Register registers an implementation and its construction info.
func Register(implementation string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if implementation == "" {
		panic(errors.New("cannot register an implementation without a name"))
	}
	if _, old := registry[implementation]; old {
		panic(errors.Errorf("trying to register two implementations with the same name: %q", implementation))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for implementation: %q", implementation))
	}
	if err := reg.Kind.Validate(); err != nil {
		panic(errors.Wrapf(err, "implementation %q", implementation))
	}
	reg.Operations = lo.Uniq(reg.Operations)
	sort.Strings(reg.Operations)
	for _, claim := range reg.Claims {
		iface, ok := LookupInterface(claim)
		if !ok {
			panic(errors.Errorf("implementation %q claims unknown interface %q", implementation, claim))
		}
		if missing := iface.Missing(reg.Operations); len(missing) > 0 {
			panic(errors.Errorf("implementation %q claims interface %q but lacks %v", implementation, claim, missing))
		}
	}
	for slot, spec := range reg.Connectors {
		if _, ok := LookupInterface(spec.Interface); !ok {
			panic(errors.Errorf("implementation %q slot %q requires unknown interface %q", implementation, slot, spec.Interface))
		}
	}
	registry[implementation] = reg
}

// Deregister removes a previously registered implementation.
func Deregister(implementation string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, implementation)
}

// LookupRegistration looks up an implementation by name.
func LookupRegistration(implementation string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[implementation]
	return reg, ok
}

// RegisteredImplementations returns all registered implementation names, sorted.
func RegisteredImplementations() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}

// InterfacesOf returns the interfaces a registered implementation satisfies.
func InterfacesOf(implementation string) []string {
	reg, ok := LookupRegistration(implementation)
	if !ok {
		return nil
	}
	return SatisfiedInterfaces(reg.Operations)
}

// Satisfies reports whether the implementation serves every operation of the interface.
func Satisfies(implementation, iface string) bool {
	reg, ok := LookupRegistration(implementation)
	if !ok {
		return false
	}
	contract, ok := LookupInterface(iface)
	if !ok {
		return false
	}
	return contract.SatisfiedBy(reg.Operations)
}

// RegisterRemoteConstructor installs the factory used for remote declarations. Installing a
// second one panics.
func RegisterRemoteConstructor(constructor RemoteConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if remoteConstructor != nil {
		panic(errors.New("a remote constructor is already registered"))
	}
	remoteConstructor = constructor
}

// RegistrationFor returns the registration used to build the declared module. Remote declarations
// get a synthesized registration whose operations are the union of their declared interfaces.
func RegistrationFor(decl Declaration) (Registration, error) {
	if !decl.IsRemote() {
		reg, ok := LookupRegistration(decl.Implementation)
		if !ok {
			return Registration{}, &NotFoundError{What: "implementation", Name: decl.Implementation}
		}
		return reg, nil
	}

	registryMu.RLock()
	construct := remoteConstructor
	registryMu.RUnlock()
	if construct == nil {
		return Registration{}, errors.New("no remote constructor registered")
	}

	var ops []string
	for _, name := range decl.Interfaces {
		iface, ok := LookupInterface(name)
		if !ok {
			return Registration{}, &NotFoundError{What: "interface", Name: name}
		}
		ops = append(ops, iface.Operations...)
	}
	ops = lo.Uniq(ops)
	sort.Strings(ops)
	return Registration{
		Kind: decl.Kind,
		Constructor: func(ctx context.Context, _ Dependencies, conf Declaration, logger logging.Logger) (Module, error) {
			return construct(ctx, conf, logger)
		},
		Operations: ops,
		Claims:     decl.Interfaces,
	}, nil
}
