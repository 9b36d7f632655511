package optics

import (
	"errors"
	"fmt"
)

// Kind classifies a simulation failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindDecode
	KindResourceLimit
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	case KindResourceLimit:
		return "resource_limit"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches exactly one of them.
var (
	ErrValidation    = errors.New("validation error")
	ErrDecode        = errors.New("decode error")
	ErrResourceLimit = errors.New("resource limit exceeded")
	ErrInternal      = errors.New("internal compute error")
)

// Error is the error type returned by everything in this package.
type Error struct {
	Kind  Kind
	Stage Stage
	Field string // offending parameter, validation only
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrResourceLimit:
		return e.Kind == KindResourceLimit
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

// KindOf reports the Kind of err. Errors that did not originate here are
// treated as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func validationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Stage: StageValidate, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func resourceError(stage Stage, format string, args ...any) *Error {
	return &Error{Kind: KindResourceLimit, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func internalError(stage Stage, err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Stage: stage, Msg: fmt.Sprintf(format, args...), Err: err}
}

// withStage stamps the stage onto err if it is one of ours and has none yet.
func withStage(err error, stage Stage) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Stage == StageUnknown {
			e.Stage = stage
		}
		return err
	}
	return internalError(stage, err, "%s failed", stage)
}
