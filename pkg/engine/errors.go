package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error for the reconciler's failure handling.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// a later reconciliation run. Examples: network timeouts, temporary
	// platform unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the remote resource changed concurrently,
	// detected via an optimistic version mismatch at apply time. The engine
	// never retries itself; the caller may choose to re-run reconciliation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error. Examples:
	// invalid manifest, permission denied, unknown kind.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a classified engine error with resource context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Kind is the resource kind involved, if applicable.
	Kind Kind `json:"kind,omitempty"`

	// Identifier is the resource identifier involved, if applicable.
	Identifier string `json:"identifier,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Kind != "" || e.Identifier != "" {
		fmt.Fprintf(&b, " (%s/%s", e.Kind, e.Identifier)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match when
// their class and code agree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithResource adds kind and identifier context.
func (e *Error) WithResource(kind Kind, identifier string) *Error {
	e.Kind = kind
	e.Identifier = identifier
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// IsConflict reports whether err is classified as a concurrent-modification
// conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnknownKind        = "UNKNOWN_KIND"
	ErrCodeUnresolvedVariable = "UNRESOLVED_VARIABLE"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeCycle              = "DEPENDENCY_CYCLE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeLoaderFailed       = "LOADER_FAILED"
	ErrCodeDependencyFailed   = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// CycleError reports a circular instance-level dependency. Path names every
// artifact in the cycle, first node repeated at the end.
type CycleError struct {
	Path []Ref
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, r := range e.Path {
		parts[i] = r.String()
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Is matches any *CycleError for errors.Is.
func (e *CycleError) Is(target error) bool {
	_, ok := target.(*CycleError)
	return ok
}
