package aio

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured loop error with operation context and errno mapping.
type Error struct {
	Op    string        // Operation that failed (e.g., "SUBMIT", "TICK", "READ")
	FD    int           // File descriptor (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	ctx := ""
	switch {
	case e.Op != "" && e.FD >= 0:
		ctx = fmt.Sprintf(" (op=%s, fd=%d)", e.Op, e.FD)
	case e.Op != "":
		ctx = fmt.Sprintf(" (op=%s)", e.Op)
	case e.FD >= 0:
		ctx = fmt.Sprintf(" (fd=%d)", e.FD)
	}

	return fmt.Sprintf("aio: %s%s", msg, ctx)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by code, so sentinel comparison via
// errors.Is works regardless of operation context.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// Fatal codes: the loop must not enter or remain in Running state.
	ErrCodeInvalidState      ErrorCode = "invalid state"
	ErrCodeBackendInit       ErrorCode = "backend initialization failed"
	ErrCodeUnknownCompletion ErrorCode = "unknown completion identifier"
	ErrCodeLoopClosed        ErrorCode = "loop stopped"

	// Recoverable codes: delivered to the owning completion's callback.
	ErrCodeExhausted      ErrorCode = "submission slots exhausted"
	ErrCodeRegisterFailed ErrorCode = "interest registration failed"
	ErrCodeCanceled       ErrorCode = "operation canceled"
	ErrCodeConnReset      ErrorCode = "connection reset"
	ErrCodeBrokenPipe     ErrorCode = "broken pipe"
	ErrCodeConnRefused    ErrorCode = "connection refused"
	ErrCodeTimedOut       ErrorCode = "operation timed out"
	ErrCodeBadDescriptor  ErrorCode = "bad file descriptor"
	ErrCodeIOError        ErrorCode = "I/O error"
)

// Class partitions error codes per the loop's failure policy. Transient
// would-block conditions have no class: they are handled internally and
// never surface in a Result or a returned error.
type Class int

const (
	ClassRecoverable Class = iota
	ClassFatal
)

// Class reports whether a code is fatal to the loop or recoverable by the
// completion's callback.
func (c ErrorCode) Class() Class {
	switch c {
	case ErrCodeInvalidState, ErrCodeBackendInit, ErrCodeUnknownCompletion, ErrCodeLoopClosed:
		return ClassFatal
	default:
		return ClassRecoverable
	}
}

// Sentinel errors for errors.Is comparison by code.
var (
	ErrInvalidState      = &Error{FD: -1, Code: ErrCodeInvalidState}
	ErrExhausted         = &Error{FD: -1, Code: ErrCodeExhausted}
	ErrUnknownCompletion = &Error{FD: -1, Code: ErrCodeUnknownCompletion}
	ErrLoopClosed        = &Error{FD: -1, Code: ErrCodeLoopClosed}
	ErrCanceled          = &Error{FD: -1, Code: ErrCodeCanceled}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		FD:   -1,
		Code: code,
		Msg:  msg,
	}
}

// NewFDError creates a new structured error tied to a descriptor
func NewFDError(op string, fd int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		FD:   fd,
		Code: code,
		Msg:  msg,
	}
}

// WrapErrno maps a kernel errno onto a structured error. EAGAIN must never
// reach this path; callers handle would-block before classifying.
func WrapErrno(op string, fd int, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		FD:    fd,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// WrapError wraps an existing error with loop context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Already structured: keep everything, update the operation.
	var ae *Error
	if errors.As(inner, &ae) {
		return &Error{
			Op:    op,
			FD:    ae.FD,
			Code:  ae.Code,
			Errno: ae.Errno,
			Msg:   ae.Msg,
			Inner: ae,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			FD:    -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		FD:    -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to loop error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ECONNRESET:
		return ErrCodeConnReset
	case syscall.EPIPE:
		return ErrCodeBrokenPipe
	case syscall.ECONNREFUSED:
		return ErrCodeConnRefused
	case syscall.ECANCELED:
		return ErrCodeCanceled
	case syscall.ETIMEDOUT:
		return ErrCodeTimedOut
	case syscall.EBADF:
		return ErrCodeBadDescriptor
	case syscall.ENFILE, syscall.EMFILE, syscall.ENOSPC:
		return ErrCodeRegisterFailed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var aioErr *Error
	if errors.As(err, &aioErr) {
		return aioErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var aioErr *Error
	if errors.As(err, &aioErr) {
		return aioErr.Errno == errno
	}
	return false
}

// IsFatal reports whether an error must stop the loop.
func IsFatal(err error) bool {
	var aioErr *Error
	if errors.As(err, &aioErr) {
		return aioErr.Code.Class() == ClassFatal
	}
	return false
}
