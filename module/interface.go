package module

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// An Interface is a named capability contract: the set of operations an implementation must
// serve to satisfy it. Matching is structural; implementations never name the interfaces they
// satisfy in order to satisfy them.
type Interface struct {
	Name       string
	Operations []string
}

// SatisfiedBy reports whether ops covers every operation of the interface.
func (i Interface) SatisfiedBy(ops []string) bool {
	return len(i.Missing(ops)) == 0
}

// Missing returns the interface operations absent from ops.
func (i Interface) Missing(ops []string) []string {
	return lo.Without(i.Operations, ops...)
}

var (
	interfacesMu sync.RWMutex
	interfaces   = map[string]Interface{}
)

// RegisterInterface adds a capability contract. Registering a name twice panics.
func RegisterInterface(iface Interface) {
	interfacesMu.Lock()
	defer interfacesMu.Unlock()

	if iface.Name == "" {
		panic(errors.New("cannot register an interface without a name"))
	}
	if _, old := interfaces[iface.Name]; old {
		panic(errors.Errorf("trying to register two interfaces with the same name: %q", iface.Name))
	}
	ops := lo.Uniq(iface.Operations)
	sort.Strings(ops)
	interfaces[iface.Name] = Interface{Name: iface.Name, Operations: ops}
}

// LookupInterface returns the named contract.
func LookupInterface(name string) (Interface, bool) {
	interfacesMu.RLock()
	defer interfacesMu.RUnlock()
	iface, ok := interfaces[name]
	return iface, ok
}

// Interfaces returns the names of all registered contracts, sorted.
func Interfaces() []string {
	interfacesMu.RLock()
	defer interfacesMu.RUnlock()
	names := lo.Keys(interfaces)
	sort.Strings(names)
	return names
}

// DeregisterInterface removes a contract. Intended for tests.
func DeregisterInterface(name string) {
	interfacesMu.Lock()
	defer interfacesMu.Unlock()
	delete(interfaces, name)
}

// SatisfiedInterfaces returns every registered interface whose operations are all in ops.
func SatisfiedInterfaces(ops []string) []string {
	interfacesMu.RLock()
	defer interfacesMu.RUnlock()
	var names []string
	for name, iface := range interfaces {
		if iface.SatisfiedBy(ops) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
