package tee

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure independently of its numeric Result.
type Kind int

const (
	KindGeneric Kind = iota
	KindInvalidParameter
	KindAllocationFailure
	KindStorageFailure
	KindNotFound
	KindDelegationFailure
	KindUnsupported
	KindBadState
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid parameter"
	case KindAllocationFailure:
		return "allocation failure"
	case KindStorageFailure:
		return "storage failure"
	case KindNotFound:
		return "not found"
	case KindDelegationFailure:
		return "delegation failure"
	case KindUnsupported:
		return "unsupported"
	case KindBadState:
		return "bad state"
	default:
		return "generic failure"
	}
}

// result is the code reported for a kind raised locally.
func (k Kind) result() Result {
	switch k {
	case KindInvalidParameter:
		return ErrBadParameters
	case KindAllocationFailure:
		return ErrOutOfMemory
	case KindStorageFailure:
		return ErrStorageNotAvail
	case KindNotFound:
		return ErrItemNotFound
	case KindDelegationFailure:
		return ErrCommunication
	case KindUnsupported:
		return ErrNotSupported
	case KindBadState:
		return ErrBadState
	default:
		return ErrGeneric
	}
}

// Error is a classified failure. Result and Origin are what a caller sees;
// for delegation failures they are the far side's values verbatim.
type Error struct {
	Kind   Kind
	Result Result
	Origin Origin
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (%s, origin %s)", e.Op, e.Kind, e.Result, e.Origin)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:   kind,
		Result: kind.result(),
		Origin: OriginTrustedApp,
		Op:     op,
		Err:    err,
	}
}

// InvalidParameter reports a caller-supplied value that does not fit.
func InvalidParameter(op, format string, args ...interface{}) error {
	return newError(KindInvalidParameter, op, errors.Errorf(format, args...))
}

// ShortBuffer reports an output buffer too small for the data produced.
func ShortBuffer(op string, need, have int) error {
	e := newError(KindInvalidParameter, op, errors.Errorf("need %d bytes, have %d", need, have))
	e.Result = ErrShortBuffer
	return e
}

// AllocationFailure reports an exhausted resource.
func AllocationFailure(op string, err error) error {
	return newError(KindAllocationFailure, op, err)
}

// StorageFailure reports a storage driver failure.
func StorageFailure(op string, err error) error {
	return newError(KindStorageFailure, op, err)
}

// NotFound reports a missing persistent object.
func NotFound(op string, err error) error {
	return newError(KindNotFound, op, err)
}

// Unsupported reports an unknown command.
func Unsupported(op, format string, args ...interface{}) error {
	return newError(KindUnsupported, op, errors.Errorf(format, args...))
}

// BadState reports an operation issued before its prerequisites.
func BadState(op, format string, args ...interface{}) error {
	return newError(KindBadState, op, errors.Errorf(format, args...))
}

// DelegationFailure reports a failure on the far side of a delegation,
// keeping its result and origin.
func DelegationFailure(op string, result Result, origin Origin, err error) error {
	if result == Success {
		result = ErrGeneric
	}
	return &Error{
		Kind:   KindDelegationFailure,
		Result: result,
		Origin: origin,
		Op:     op,
		Err:    err,
	}
}

// New builds an error for a raw result code reported by a component, keeping
// the origin it was reported with.
func New(op string, result Result, origin Origin) error {
	kind := KindGeneric
	switch result {
	case ErrBadParameters, ErrShortBuffer:
		kind = KindInvalidParameter
	case ErrOutOfMemory:
		kind = KindAllocationFailure
	case ErrStorageNotAvail, ErrCorruptObject:
		kind = KindStorageFailure
	case ErrItemNotFound:
		kind = KindNotFound
	case ErrNotSupported:
		kind = KindUnsupported
	case ErrBadState:
		kind = KindBadState
	}
	return &Error{Kind: kind, Result: result, Origin: origin, Op: op}
}

// KindOf returns the Kind of err, or KindGeneric if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// ResultOf returns the result code and origin to report for err. A nil err
// maps to Success.
func ResultOf(err error) (Result, Origin) {
	if err == nil {
		return Success, OriginTrustedApp
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Result, e.Origin
	}
	return ErrGeneric, OriginTrustedApp
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
