package rooms

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrNotFound marks a room, session or participant that does not exist.
	ErrNotFound = errors.New("rooms: not found")
	// ErrForbidden marks an authenticated caller lacking rights for a mutation.
	ErrForbidden = errors.New("rooms: forbidden")
	// ErrInvalidArgument marks requests that can never succeed as issued.
	ErrInvalidArgument = errors.New("rooms: invalid argument")
	// ErrUnavailable marks store timeouts and transient driver failures.
	ErrUnavailable = errors.New("rooms: unavailable")
)

// ServiceError carries a stable code alongside the error kind and its cause.
type ServiceError struct {
	code  string
	kind  error
	cause error
}

func (e *ServiceError) Error() string {
	if e.cause == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.cause)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is.
func (e *ServiceError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns one of the exported sentinel kinds.
func (e *ServiceError) Kind() error {
	return e.kind
}

// NewError builds a ServiceError. It is exported for the packages layered on
// top of the store so that every caller-visible failure carries a kind.
func NewError(operation, reason string, kind error, cause error) error {
	return &ServiceError{
		code:  fmt.Sprintf("%s.%s", operation, reason),
		kind:  kind,
		cause: cause,
	}
}

// KindOf classifies err into one of the exported kinds. Unclassified failures
// are reported as unavailable.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrForbidden):
		return ErrForbidden
	case errors.Is(err, ErrInvalidArgument):
		return ErrInvalidArgument
	default:
		return ErrUnavailable
	}
}

// classifyStoreError maps driver failures onto error kinds.
func classifyStoreError(operation, reason string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NewError(operation, reason, ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewError(operation, "timeout", ErrUnavailable, err)
	default:
		return NewError(operation, reason, ErrUnavailable, err)
	}
}
