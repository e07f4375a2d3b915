package gateway

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.labforge.io/labkernel/module"
)

// ErrorKind tags a RemoteError with what went wrong at the gateway boundary.
type ErrorKind string

// The error kinds a gateway response may carry.
const (
	KindUnknownModule       = ErrorKind("unknown-module")
	KindNotRemoteAccessible = ErrorKind("not-remote-accessible")
	KindUnknownHandle       = ErrorKind("unknown-handle")
	KindTargetFault         = ErrorKind("target-fault")
	KindConnectionLost      = ErrorKind("connection-lost")
	KindInvalidRequest      = ErrorKind("invalid-request")
)

// A RemoteError is a failure reported across the gateway boundary.
type RemoteError struct {
	Kind    ErrorKind
	Message string
	// Detail carries the target's own error payload for target faults.
	Detail map[string]interface{}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsRemoteError reports whether err is a RemoteError of the given kind.
func IsRemoteError(err error, kind ErrorKind) bool {
	var rerr *RemoteError
	return errors.As(err, &rerr) && rerr.Kind == kind
}

// IsConnectionLost reports whether err means the session to the gateway is gone.
func IsConnectionLost(err error) bool {
	return IsRemoteError(err, KindConnectionLost)
}

func newRemoteError(kind ErrorKind, format string, args ...interface{}) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// targetFault wraps an error returned by a module invocation. The module's error is forwarded
// opaquely: its message and Go type, plus the fields of the kernel's own error types. Connection
// loss reported by a remote proxy keeps its kind.
func targetFault(err error) *RemoteError {
	detail := map[string]interface{}{
		"error": err.Error(),
		"type":  fmt.Sprintf("%T", errors.Cause(err)),
	}
	var stateErr *module.InvalidStateError
	if errors.As(err, &stateErr) {
		detail["state"] = stateErr.State.String()
	}
	var busyErr *module.BusyError
	if errors.As(err, &busyErr) {
		detail["busy"] = true
	}
	if module.IsFaultError(err) {
		detail["fault"] = true
	}
	// A proxy module that lost its own upstream reports that loss, not a fault of its own.
	kind := KindTargetFault
	if IsConnectionLost(err) {
		kind = KindConnectionLost
	}
	return &RemoteError{Kind: kind, Message: err.Error(), Detail: detail}
}

// connectionLost maps a transport error onto a connection-lost RemoteError.
func connectionLost(err error) *RemoteError {
	if err == nil {
		return newRemoteError(KindConnectionLost, "session closed")
	}
	var rerr *RemoteError
	if errors.As(err, &rerr) && rerr.Kind == KindConnectionLost {
		return rerr
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return newRemoteError(KindConnectionLost, "%s: %s", s.Code(), s.Message())
	}
	return newRemoteError(KindConnectionLost, "%s", err.Error())
}
