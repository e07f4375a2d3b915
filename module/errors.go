package module

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reason classifies why a module failed resolution.
type Reason string

// Resolution failure reasons.
const (
	ReasonDuplicateName         = Reason("duplicate-name")
	ReasonInvalidKind           = Reason("invalid-kind")
	ReasonUnknownImplementation = Reason("unknown-implementation")
	ReasonInvalidRemote         = Reason("invalid-remote")
	ReasonUnknownInterface      = Reason("unknown-interface")
	ReasonUnknownSlot           = Reason("unknown-slot")
	ReasonUnboundSlot           = Reason("unbound-slot")
	ReasonMissingOption         = Reason("missing-option")
	ReasonUnknownTarget         = Reason("unknown-target")
	ReasonInterfaceMismatch     = Reason("interface-mismatch")
	ReasonCycle                 = Reason("cycle")
	ReasonDependencyFailed      = Reason("dependency-failed")
)

// ConfigurationError is a resolution-time failure reported against a single module. It is never
// the cause of a partial instantiation.
type ConfigurationError struct {
	Module string
	Reason Reason
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("module %q misconfigured: %s", e.Module, e.Reason)
	}
	return fmt.Sprintf("module %q misconfigured: %s: %s", e.Module, e.Reason, e.Detail)
}

// IsConfigurationError returns if the given error is any kind of configuration error.
func IsConfigurationError(err error) bool {
	var errArt *ConfigurationError
	return errors.As(err, &errArt)
}

// DependencyError is returned when a lifecycle operation needs a connector target (or, for
// unload, a dependent) to be in a different state.
type DependencyError struct {
	Module     string
	Dependency string
	State      State
	// Dependent is set when Dependency holds a reference to Module rather than the reverse.
	Dependent bool
}

func (e *DependencyError) Error() string {
	if e.Dependent {
		return fmt.Sprintf("module %q is still referenced by %q (%s)", e.Module, e.Dependency, e.State)
	}
	return fmt.Sprintf("module %q depends on %q which is %s", e.Module, e.Dependency, e.State)
}

// IsDependencyError returns if the given error is any kind of dependency error.
func IsDependencyError(err error) bool {
	var errArt *DependencyError
	return errors.As(err, &errArt)
}

// ActivationError wraps a failure reported by an implementation's constructor or lifecycle hook.
type ActivationError struct {
	Module string
	Phase  string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("module %q failed to %s: %v", e.Module, e.Phase, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// IsActivationError returns if the given error is any kind of activation error.
func IsActivationError(err error) bool {
	var errArt *ActivationError
	return errors.As(err, &errArt)
}

// BusyError is returned when a module is Locked and did not yield in time, or when a lock
// cannot be taken.
type BusyError struct {
	Module string
	Detail string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("module %q is busy: %s", e.Module, e.Detail)
}

// IsBusyError returns if the given error is any kind of busy error.
func IsBusyError(err error) bool {
	var errArt *BusyError
	return errors.As(err, &errArt)
}

// InvalidStateError is returned for operations that are not valid in the module's current state.
type InvalidStateError struct {
	Module string
	Op     string
	State  State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s module %q while it is %s", e.Op, e.Module, e.State)
}

// IsInvalidStateError returns if the given error is an InvalidStateError.
func IsInvalidStateError(err error) bool {
	var errArt *InvalidStateError
	return errors.As(err, &errArt)
}

// NotFoundError is returned when a named module, operation or attribute does not exist.
type NotFoundError struct {
	What string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Name)
}

// NewModuleNotFoundError is used when a module is not declared or not loaded.
func NewModuleNotFoundError(name string) error {
	return &NotFoundError{What: "module", Name: name}
}

// IsNotFoundError returns if the given error is any kind of not found error.
func IsNotFoundError(err error) bool {
	var errArt *NotFoundError
	return errors.As(err, &errArt)
}

// IsModuleNotFoundError returns if the given error reports a missing module.
func IsModuleNotFoundError(err error) bool {
	var errArt *NotFoundError
	return errors.As(err, &errArt) && errArt.What == "module"
}

// FaultError marks an operation failure the module cannot recover from. The kernel moves a module
// whose invocation returns one into the Error state.
type FaultError struct {
	Err error
}

// Fault wraps err as unrecoverable.
func Fault(err error) error {
	if err == nil {
		return nil
	}
	return &FaultError{Err: err}
}

func (e *FaultError) Error() string {
	return "unrecoverable fault: " + e.Err.Error()
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// IsFaultError returns if the given error is an unrecoverable module fault.
func IsFaultError(err error) bool {
	var errArt *FaultError
	return errors.As(err, &errArt)
}
