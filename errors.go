package acp

import (
	"encoding/json"
	"fmt"
)

// RPCError wraps a JSON-RPC error response.
// It implements error, errors.Is, and errors.As.
type RPCError struct {
	err *Error
}

// NewRPCError creates a new RPCError wrapping a JSON-RPC error.
func NewRPCError(err *Error) *RPCError {
	return &RPCError{err: err}
}

// Error implements the error interface.
// Data is deliberately excluded — it is server-controlled and may contain
// sensitive information. Use RPCError() or Data() to access it explicitly.
func (e *RPCError) Error() string {
	if e.err == nil {
		return "rpc error: <nil>"
	}
	return fmt.Sprintf("rpc error: code=%d message=%q", e.err.Code, e.err.Message)
}

// RPCError returns the underlying JSON-RPC error.
func (e *RPCError) RPCError() *Error {
	return e.err
}

// Code returns the JSON-RPC error code.
func (e *RPCError) Code() int {
	if e.err == nil {
		return 0
	}
	return e.err.Code
}

// Message returns the JSON-RPC error message.
func (e *RPCError) Message() string {
	if e.err == nil {
		return ""
	}
	return e.err.Message
}

// Data returns the raw JSON-RPC error data, if any.
// This is server-controlled and may contain sensitive information.
func (e *RPCError) Data() json.RawMessage {
	if e.err == nil {
		return nil
	}
	return e.err.Data
}

// Is implements errors.Is by comparing error codes.
// Two RPCErrors match if they have the same error code.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	if e.err == nil || t.err == nil {
		return e.err == t.err
	}
	return e.err.Code == t.err.Code
}

// TransportError wraps IO/connection failures.
// It implements error, errors.Is (via Unwrap), and errors.As.
type TransportError struct {
	msg   string
	cause error
}

// NewTransportError creates a new TransportError with a message and optional cause.
func NewTransportError(msg string, cause error) *TransportError {
	return &TransportError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("transport error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TransportError) Unwrap() error {
	return e.cause
}

// TimeoutError represents a request timeout.
// It implements error, errors.Is, errors.As, and Unwrap.
type TimeoutError struct {
	msg   string
	cause error
}

// NewTimeoutError creates a new TimeoutError with the given message and cause.
func NewTimeoutError(msg string, cause error) *TimeoutError {
	return &TimeoutError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("timeout error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("timeout error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TimeoutError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all TimeoutError instances.
// All timeouts are semantically equivalent.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// CanceledError represents an explicit context cancellation (user-initiated).
// Distinct from TimeoutError which represents deadline-driven cancellation.
type CanceledError struct {
	msg   string
	cause error
}

// NewCanceledError creates a new CanceledError with the given message and cause.
func NewCanceledError(msg string, cause error) *CanceledError {
	return &CanceledError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("canceled: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("canceled: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *CanceledError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all CanceledError instances.
func (e *CanceledError) Is(target error) bool {
	_, ok := target.(*CanceledError)
	return ok
}

// ErrorKind is the taxonomy of protocol-level failures from spec §4.1.
// Each kind maps to one JSON-RPC error code; handler authors returning one
// of these from a registered handler get that code back on the wire
// automatically (see Dispatcher.RegisterRequest and codeForKind).
type ErrorKind int

const (
	KindInternalError ErrorKind = iota
	KindSessionNotFound
	KindAuthRequired
	KindPermissionDenied
	KindOperationCancelled
	KindResourceNotFound
	KindResourceAccessDenied
	KindInvalidSessionState
	KindCapabilityNotSupported
	KindRateLimited
	KindTimeout
	KindInvalidParams
	KindMethodNotFound
)

// codeForKind implements the table in spec §4.1.
func codeForKind(k ErrorKind) int {
	switch k {
	case KindSessionNotFound:
		return ErrCodeSessionNotFound
	case KindAuthRequired:
		return ErrCodeAuthRequired
	case KindPermissionDenied:
		return ErrCodePermissionDenied
	case KindOperationCancelled:
		return ErrCodeOperationCancelled
	case KindResourceNotFound:
		return ErrCodeResourceNotFound
	case KindResourceAccessDenied:
		return ErrCodeResourceAccessDenied
	case KindInvalidSessionState:
		return ErrCodeInvalidSessionState
	case KindCapabilityNotSupported:
		return ErrCodeCapabilityNotSupported
	case KindRateLimited:
		return ErrCodeRateLimited
	case KindTimeout:
		return ErrCodeTimeout
	case KindInvalidParams:
		return ErrCodeInvalidParams
	case KindMethodNotFound:
		return ErrCodeMethodNotFound
	default:
		return ErrCodeInternalError
	}
}

// ProtocolError is a typed error a registered handler can return to control
// exactly which JSON-RPC error code the dispatcher sends back (spec §4.1,
// §7). Handler errors of an unrecognized type are mapped to InternalError
// by the dispatcher, preserving the message text.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Data    json.RawMessage
}

func NewProtocolError(kind ErrorKind, message string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acp: %s", e.Message)
}

// Is implements errors.Is by comparing kinds.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// toJSONRPCError converts a handler error into a JSON-RPC Error object per
// the mapping policy in spec §4.1 and §7: known ProtocolError kinds map to
// their code preserving message/data; everything else becomes InternalError
// with the message preserved (diagnostic detail, never a stack trace).
func toJSONRPCError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if asProtocolError(err, &pe) {
		return &Error{Code: codeForKind(pe.Kind), Message: pe.Message, Data: pe.Data}
	}
	return &Error{Code: ErrCodeInternalError, Message: err.Error()}
}

// asProtocolError is a small errors.As shim kept local to avoid importing
// the "errors" package into this file's public surface twice.
func asProtocolError(err error, target **ProtocolError) bool {
	for err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
