package notes

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrOwnership       = errors.New("ownership error")
	ErrNotFound        = errors.New("not found")
	ErrTransient       = errors.New("transient error")
	ErrDerivedData     = errors.New("derived data error")
	ErrTimeout         = errors.New("timeout")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrEmptyBatch      = errors.New("batch contains no operations")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
)

// ErrorKind is the wire form of a failure category. It is stored in the
// errorCode bookkeeping field of queued operations and decides whether the
// client retries automatically.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindOwnership   ErrorKind = "ownership"
	KindNotFound    ErrorKind = "not_found"
	KindTransient   ErrorKind = "transient"
	KindTimeout     ErrorKind = "timeout"
	KindNoResponse  ErrorKind = "no_response"
	KindDerivedData ErrorKind = "derived_data"
)

// Retryable reports whether an operation that failed with this kind may be
// resubmitted without user intervention. An empty kind counts as transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindNoResponse, "":
		return true
	default:
		return false
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindOwnership:
		return ErrOwnership
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	case KindDerivedData:
		return ErrDerivedData
	default:
		return ErrTransient
	}
}

type OpError struct {
	Kind    ErrorKind
	OpID    string
	Message string
	Err     error
}

func (e *OpError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.sentinel().Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.OpID == "" {
		return msg
	}
	return fmt.Sprintf("operation %s: %s", e.OpID, msg)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newOpError(kind ErrorKind, opID, format string, args ...any) *OpError {
	return &OpError{Kind: kind, OpID: opID, Message: fmt.Sprintf(format, args...)}
}

// KindOf maps any error returned by the reconciliation path to its kind.
// Unknown errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrOwnership):
		return KindOwnership
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrDerivedData):
		return KindDerivedData
	default:
		return KindTransient
	}
}
