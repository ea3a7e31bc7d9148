package transfererr

import (
	"errors"
	"fmt"
)

// Kind tags a transfer failure with its handling category
type Kind int

const (
	// KindRetryable covers throttling, transient server errors, timeouts and
	// unrecognized remote codes.
	KindRetryable Kind = iota
	KindAccessDenied
	KindObjectTooLarge
	KindInvalidInput
	KindManifest
	KindValidation
	KindCanceled
)

// String returns the kind name used in logs and reports
func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindAccessDenied:
		return "access_denied"
	case KindObjectTooLarge:
		return "object_too_large"
	case KindInvalidInput:
		return "invalid_input"
	case KindManifest:
		return "manifest"
	case KindValidation:
		return "validation_failed"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether failures of this kind may be re-attempted
func (k Kind) Retryable() bool {
	return k == KindRetryable
}

// Error is a classified transfer failure
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Code != "":
		return fmt.Sprintf("%s failed [%s]: %s", e.Op, e.Code, msg)
	case e.Op != "":
		return fmt.Sprintf("%s failed: %s", e.Op, msg)
	default:
		return msg
	}
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may be re-attempted
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// WithDetail attaches a structured detail and returns the error for chaining
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a classified error without a remote cause
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a classified error around cause
func Wrap(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op, Err: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// AccessDenied builds a non-retryable authorization failure
func AccessDenied(op, code, message string) *Error {
	return &Error{Kind: KindAccessDenied, Op: op, Code: code, Message: message}
}

// ObjectTooLarge builds the non-retryable size-limit failure
func ObjectTooLarge(key string, size, limit int64) *Error {
	return (&Error{
		Kind:    KindObjectTooLarge,
		Op:      "copy",
		Message: fmt.Sprintf("object %s size %d exceeds max %d", key, size, limit),
	}).WithDetail("key", key).WithDetail("size", size).WithDetail("limit", limit)
}

// As extracts a classified error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, classifying it first when needed
func KindOf(err error) Kind {
	if err == nil {
		return KindRetryable
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Classify(err, "").Kind
}

// IsRetryable is the default retry predicate
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// Is reports whether err carries a classified error of the given kind
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
