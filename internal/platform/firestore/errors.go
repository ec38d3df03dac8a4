package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error attaches repository semantics to a Firestore failure.
type Error struct {
	op   string
	err  error
	code codes.Code
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e.code == codes.NotFound }

// IsConflict reports a lost optimistic update or an existing document.
func (e *Error) IsConflict() bool {
	switch e.code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports a transient backend failure.
func (e *Error) IsUnavailable() bool {
	switch e.code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

// WrapError annotates err with op. Cancellation passes through unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{op: op, err: err, code: code}
}

// ConflictError reports an optimistic concurrency failure detected by the caller.
func ConflictError(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), code: codes.Aborted}
}

// NotFoundError reports a missing document detected by the caller.
func NotFoundError(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), code: codes.NotFound}
}

// IsNotFound reports whether err is a Firestore not found failure.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
