package module

import (
	"context"

	"github.com/pkg/errors"
)

// A Resolver looks modules up by name in the registry that owns them.
type Resolver interface {
	// Invoke forwards a request to the named module under the kernel's serialization rules.
	Invoke(ctx context.Context, name string, req Request) (interface{}, error)
	// State returns the named module's lifecycle state.
	State(name string) (State, error)
}

// A Ref is a borrowed reference to another module. It holds only the target's name and looks the
// instance up on every use, so the registry stays the sole owner and a reloaded target is picked
// up without rebinding.
type Ref struct {
	name     string
	iface    string
	resolver Resolver
}

// NewRef returns a reference to the named module through resolver.
func NewRef(name, iface string, resolver Resolver) Ref {
	return Ref{name: name, iface: iface, resolver: resolver}
}

// Name is the target module name.
func (r Ref) Name() string {
	return r.name
}

// Interface is the contract the slot required of the target.
func (r Ref) Interface() string {
	return r.iface
}

// Valid reports whether the reference points anywhere.
func (r Ref) Valid() bool {
	return r.resolver != nil && r.name != ""
}

// Invoke forwards the request to the target.
func (r Ref) Invoke(ctx context.Context, req Request) (interface{}, error) {
	if !r.Valid() {
		return nil, errors.New("invoke on an unbound connector")
	}
	return r.resolver.Invoke(ctx, r.name, req)
}

// State returns the target's lifecycle state.
func (r Ref) State() (State, error) {
	if !r.Valid() {
		return StateUnloaded, errors.New("state of an unbound connector")
	}
	return r.resolver.State(r.name)
}

// Lifecycle is the kernel's view of a single module handed to its implementation.
type Lifecycle interface {
	// State returns the module's current lifecycle state.
	State() State
	// Lock moves the module from Idle to Locked for a long-running operation. The returned
	// context is cancelled when the kernel requests the operation stop; the operation must then
	// wind down and call done, which returns the module to Idle. Lock fails with a BusyError if
	// the module is not Idle or a deactivation is pending.
	Lock(ctx context.Context) (context.Context, func(), error)
}

// Dependencies are what a constructor receives from the kernel.
type Dependencies struct {
	// Connectors maps each bound slot to its target.
	Connectors map[string]Ref
	// Lifecycle lets the module report Locked/Idle transitions.
	Lifecycle Lifecycle
}

// Connector returns the reference bound to slot.
func (d Dependencies) Connector(slot string) (Ref, error) {
	ref, ok := d.Connectors[slot]
	if !ok {
		return Ref{}, errors.Errorf("connector %q is not bound", slot)
	}
	return ref, nil
}

// HasConnector reports whether an optional slot was bound.
func (d Dependencies) HasConnector(slot string) bool {
	_, ok := d.Connectors[slot]
	return ok
}
