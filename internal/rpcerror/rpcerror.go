// Package rpcerror implements the error taxonomy of the WebSocket RPC
// protocol: a single Kind enum plus an Error type the Dispatcher maps 1:1
// onto the wire `error` frame.
package rpcerror

import "fmt"

// Kind identifies a class of error in the wire protocol's error taxonomy.
type Kind string

const (
	InvalidRequest Kind = "InvalidRequest"
	Unauthenticated Kind = "Unauthenticated"
	UnknownTool Kind = "UnknownTool"
	UnknownOp Kind = "UnknownOp"
	ContinuationNotFound Kind = "ContinuationNotFound"
	Overloaded Kind = "Overloaded"
	TimedOut Kind = "TimedOut"
	Cancelled Kind = "Cancelled"
	ProviderRateLimited Kind = "ProviderRateLimited"
	ProviderAuth Kind = "ProviderAuth"
	ProviderFatal Kind = "ProviderFatal"
	RepositoryUnavailable Kind = "RepositoryUnavailable"
	Internal Kind = "Internal"
)

// retryable reflects each kind's default retryability. TimedOut is only
// conditionally retryable; callers that know a tool didn't mutate state on
// timeout should override it explicitly rather than rely on this default.
var retryable = map[Kind]bool{
	InvalidRequest: false,
	Unauthenticated: false,
	UnknownTool: false,
	UnknownOp: false,
	ContinuationNotFound: false,
	Overloaded: true,
	TimedOut: false,
	Cancelled: false,
	ProviderRateLimited: true,
	ProviderAuth: false,
	ProviderFatal: false,
	RepositoryUnavailable: false,
	Internal: false,
}

// Error is the structured error carried by a wire `error` frame.
type Error struct {
	Kind Kind `json:"kind"`
	Message string `json:"message"`
	Retryable bool `json:"retryable"`
	Details map[string]any `json:"details,omitempty"`

	// cause is the original error, kept for logging but never serialized.
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind with the default retryability for
// that kind (taxonomy table).
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Message: fmt.Sprintf(format, args...),
		Retryable: retryable[kind],
	}
}

// Wrap builds an Error of the given kind from an underlying error, keeping
// it available via errors.Unwrap for logging without leaking it to the wire.
func Wrap(kind Kind, err error) *Error {
	return &Error{
		Kind: kind,
		Message: err.Error(),
		Retryable: retryable[kind],
		cause: err,
	}
}

// WithDetails attaches structured details to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsRPCError reports whether err is (or wraps) an *Error, and returns it.
func AsRPCError(err error) (*Error, bool) {
	rerr, ok := err.(*Error)
	if ok {
		return rerr, true
	}

	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return AsRPCError(u.Unwrap())
	}

	return nil, false
}

// FromPanic converts a recovered panic value into an Internal error, the way
// the dispatcher's tool-worker boundary does.
func FromPanic(v any) *Error {
	return New(Internal, "panic recovered: %v", v)
}
