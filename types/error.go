package types

import (
	"github.com/juju/errors"
)

var (
	_ error = &ValidationError{}
	_ error = &DispatchError{}
	_ error = &TaskFailureError{}
	_ error = &RecoveryError{}
)

// Token verification failures. Never retried; surfaced at the boundary
// as a 403-equivalent.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrBadSignature   = errors.New("bad token signature")
	ErrUnknownSubject = errors.New("unknown token subject")
)

type ValidationReason string

const (
	CycleDetected ValidationReason = "cycle detected"
	UnknownNode   ValidationReason = "unknown node"
	DuplicateNode ValidationReason = "duplicate node"
)

// ValidationError rejects a malformed DAG before any scheduling happens.
type ValidationError struct {
	Reason ValidationReason
	Node   string
}

func (e *ValidationError) Error() string {
	return string(e.Reason) + ": " + e.Node
}

func NewDispatchError(otherErr error, server string) error {
	return &DispatchError{baseError: newBaseErr(otherErr), Server: server}
}

func NewDispatchErrorf(server string, format string, args ...interface{}) error {
	return NewDispatchError(errors.Errorf(format, args...), server)
}

func NewTaskFailure(otherErr error, server string, serverFault bool) error {
	return &TaskFailureError{
		baseError:   newBaseErr(otherErr),
		Server:      server,
		ServerFault: serverFault,
	}
}

func NewTaskFailuref(server string, serverFault bool, format string, args ...interface{}) error {
	return NewTaskFailure(errors.Errorf(format, args...), server, serverFault)
}

func NewRecoveryError(otherErr error) error {
	return &RecoveryError{baseError: newBaseErr(otherErr)}
}

func NewRecoveryErrorf(format string, args ...interface{}) error {
	return NewRecoveryError(errors.Errorf(format, args...))
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

// DispatchError is a network or server-unavailable failure while handing
// a task to an executor. Retried per the node retry policy.
type DispatchError struct {
	*baseError
	Server string
}

// TaskFailureError is a remote execution failure reported via callback.
// Retried per the node retry policy.
type TaskFailureError struct {
	*baseError
	Server      string
	ServerFault bool
}

// RecoveryError is a fatal integrity failure during log replay: the
// affected workflow refuses to resume until an operator intervenes.
type RecoveryError struct {
	*baseError
}
