// Package module defines what a labkernel module is: its declaration, the capability contracts
// it may satisfy, the registrations that build it and the contract the kernel drives it through.
package module

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.labforge.io/labkernel/utils"
)

// Action selects what an invocation does with its target name.
type Action string

// Invocation actions.
const (
	ActionCall = Action("call")
	ActionGet  = Action("get")
	ActionSet  = Action("set")
)

// Validate returns an error for unknown actions.
func (a Action) Validate() error {
	switch a {
	case ActionCall, ActionGet, ActionSet:
		return nil
	}
	return errors.Errorf("unknown action %q", string(a))
}

// A Request is one operation call or attribute access against a module.
type Request struct {
	Action Action
	// Name is the operation for calls and the attribute for gets and sets.
	Name  string
	Args  utils.AttributeMap
	Value interface{}
}

// Module is the contract every implementation exposes to the kernel.
type Module interface {
	Name() string

	// OnActivate runs on Deactivated -> Idle. An error moves the module to Error.
	OnActivate(ctx context.Context) error
	// OnDeactivate runs on Idle -> Deactivated.
	OnDeactivate(ctx context.Context) error

	// Operations lists the callable operations served by Invoke.
	Operations() []string
	// Invoke performs a call, get or set. The kernel never runs two invocations or lifecycle
	// hooks of the same instance at once.
	Invoke(ctx context.Context, req Request) (interface{}, error)
}

// A Closer is implemented by modules that hold resources beyond their lifecycle hooks, such as
// connections. The kernel calls Close when it discards the instance.
type Closer interface {
	Close(ctx context.Context) error
}

// An Invoker forwards requests to a module, local or remote.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (interface{}, error)
}

// Call is a convenience for an ActionCall request.
func Call(ctx context.Context, inv Invoker, op string, args utils.AttributeMap) (interface{}, error) {
	return inv.Invoke(ctx, Request{Action: ActionCall, Name: op, Args: args})
}

// Get is a convenience for an ActionGet request.
func Get(ctx context.Context, inv Invoker, attr string) (interface{}, error) {
	return inv.Invoke(ctx, Request{Action: ActionGet, Name: attr})
}

// Set is a convenience for an ActionSet request.
func Set(ctx context.Context, inv Invoker, attr string, value interface{}) error {
	_, err := inv.Invoke(ctx, Request{Action: ActionSet, Name: attr, Value: value})
	return err
}

// A Handler serves one named operation.
type Handler func(ctx context.Context, args utils.AttributeMap) (interface{}, error)

type attribute struct {
	get func() (interface{}, error)
	set func(interface{}) error
}

// Base implements the Module dispatch plumbing. Implementations embed it, register their
// operations and attributes in their constructor, and override the lifecycle hooks they need.
type Base struct {
	name string

	mu         sync.RWMutex
	handlers   map[string]Handler
	attributes map[string]attribute
}

// NewBase returns a Base for the named module.
func NewBase(name string) Base {
	return Base{
		name:       name,
		handlers:   map[string]Handler{},
		attributes: map[string]attribute{},
	}
}

// Name returns the module name.
func (b *Base) Name() string {
	return b.name
}

// Handle registers the handler for an operation, replacing any earlier one.
func (b *Base) Handle(op string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[op] = h
}

// Attribute registers a readable attribute; a nil set makes it read-only.
func (b *Base) Attribute(name string, get func() (interface{}, error), set func(interface{}) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attributes[name] = attribute{get: get, set: set}
}

// OnActivate does nothing.
func (b *Base) OnActivate(ctx context.Context) error {
	return nil
}

// OnDeactivate does nothing.
func (b *Base) OnDeactivate(ctx context.Context) error {
	return nil
}

// Operations returns the handled operation names, sorted.
func (b *Base) Operations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ops := lo.Keys(b.handlers)
	sort.Strings(ops)
	return ops
}

// Attributes returns the registered attribute names, sorted.
func (b *Base) Attributes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	attrs := lo.Keys(b.attributes)
	sort.Strings(attrs)
	return attrs
}

// Invoke dispatches to the registered handler or attribute.
func (b *Base) Invoke(ctx context.Context, req Request) (interface{}, error) {
	b.mu.RLock()
	handler, hasHandler := b.handlers[req.Name]
	attr, hasAttr := b.attributes[req.Name]
	b.mu.RUnlock()

	switch req.Action {
	case ActionCall:
		if !hasHandler {
			return nil, &NotFoundError{What: "operation", Name: req.Name}
		}
		args := req.Args
		if args == nil {
			args = utils.AttributeMap{}
		}
		return handler(ctx, args)
	case ActionGet:
		if !hasAttr {
			return nil, &NotFoundError{What: "attribute", Name: req.Name}
		}
		return attr.get()
	case ActionSet:
		if !hasAttr {
			return nil, &NotFoundError{What: "attribute", Name: req.Name}
		}
		if attr.set == nil {
			return nil, errors.Errorf("attribute %q is read-only", req.Name)
		}
		return nil, attr.set(req.Value)
	}
	return nil, req.Action.Validate()
}
