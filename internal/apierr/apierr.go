// Package apierr defines the error kinds every backend translates its
// failures into, so callers can branch on errors.Is.
package apierr

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Error kinds.
var (
	ErrNotFound              = errors.New("not found")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrForbidden             = errors.New("forbidden")
	ErrConflict              = errors.New("conflict")
	ErrUnsupported           = errors.New("unsupported operation")
	ErrNetwork               = errors.New("network error")
	ErrServer                = errors.New("server error")
	ErrInvalidIdentifierKind = errors.New("invalid identifier kind")
	ErrAggregate             = errors.New("aggregate failure")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInternal              = errors.New("internal error")

	// ErrDirectoryDoesNotExist is a NotFound raised by the local backend
	// for a missing non-root directory.
	ErrDirectoryDoesNotExist = &Error{Kind: ErrNotFound, Code: "directory_does_not_exist", Message: "directory does not exist"}
)

// kinds is checked in order by KindOf. An aggregate matches the kinds of its
// members too, so it comes first.
var kinds = []error{
	ErrAggregate,
	ErrNotFound, ErrNotAuthorized, ErrForbidden, ErrConflict, ErrUnsupported,
	ErrNetwork, ErrServer, ErrInvalidIdentifierKind, ErrInvalidInput, ErrInternal,
}

// Error is a classified failure.
type Error struct {
	Kind    error  // one of the Err* kinds
	Op      string // operation that failed, e.g. "listDirectory"
	Status  int    // HTTP status, when the failure came from HTTP
	Code    string
	Message string
	Param   string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error's kind, and the DirectoryDoesNotExist marker by code.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	if t, ok := target.(*Error); ok && t == ErrDirectoryDoesNotExist {
		return e.Code == ErrDirectoryDoesNotExist.Code
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// NotFound returns a NotFound error for op.
func NotFound(op, msg string) *Error { return newError(ErrNotFound, op, msg, nil) }

// NotAuthorized returns a NotAuthorized error for op.
func NotAuthorized(op, msg string) *Error { return newError(ErrNotAuthorized, op, msg, nil) }

// Forbidden returns a Forbidden error for op.
func Forbidden(op, msg string) *Error { return newError(ErrForbidden, op, msg, nil) }

// Conflict returns a Conflict error for op.
func Conflict(op, msg string) *Error { return newError(ErrConflict, op, msg, nil) }

// Unsupported returns an Unsupported error for op on the named backend.
func Unsupported(backend, op string) *Error {
	return newError(ErrUnsupported, op, "not supported by the "+backend+" backend", nil)
}

// InvalidInput rejects a request before it reaches a backend.
func InvalidInput(op, msg string) *Error { return newError(ErrInvalidInput, op, msg, nil) }

// Internal wraps a client-side failure such as a request that could not be
// built.
func Internal(op, msg string, err error) *Error { return newError(ErrInternal, op, msg, err) }

// Network wraps a transport-level failure.
func Network(op string, err error) *Error { return newError(ErrNetwork, op, "", err) }

// InvalidIdentifier reports an identifier that could not be decoded.
func InvalidIdentifier(id, reason string) *Error {
	return &Error{Kind: ErrInvalidIdentifierKind, Op: "decode identifier", Message: fmt.Sprintf("%q: %s", id, reason)}
}

// DirectoryDoesNotExist reports a missing non-root directory.
func DirectoryDoesNotExist(op, path string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Code: ErrDirectoryDoesNotExist.Code, Message: "directory does not exist: " + path}
}

// KindOf returns the kind of err, or nil when err is not classified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// AggregateError collects the failures of a bulk operation.
type AggregateError struct {
	Op     string
	Errors []error
	Failed int
	Total  int
}

// Aggregate returns nil when errs is empty.
func Aggregate(op string, errs []error, total int) error {
	if len(errs) == 0 {
		return nil
	}
	return &AggregateError{Op: op, Errors: errs, Failed: len(errs), Total: total}
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("%s: %d of %d failed: %v", e.Op, e.Failed, e.Total, multierr.Combine(e.Errors...))
}

func (e *AggregateError) Is(target error) bool {
	return target == ErrAggregate
}

func (e *AggregateError) Unwrap() []error {
	return e.Errors
}
