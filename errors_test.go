package aio

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with op and fd",
			err:  NewFDError("READ", 7, ErrCodeBadDescriptor, "stale descriptor"),
			want: "aio: stale descriptor (op=READ, fd=7)",
		},
		{
			name: "with op only",
			err:  NewError("SUBMIT", ErrCodeExhausted, "no submission slot free"),
			want: "aio: no submission slot free (op=SUBMIT)",
		},
		{
			name: "code as message fallback",
			err:  &Error{FD: -1, Code: ErrCodeLoopClosed},
			want: "aio: loop stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewFDError("READ", 3, ErrCodeCanceled, "canceled while pending")

	if !errors.Is(err, ErrCanceled) {
		t.Error("errors.Is should match the canceled sentinel")
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestWrapErrno(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.ECONNRESET, ErrCodeConnReset},
		{syscall.EPIPE, ErrCodeBrokenPipe},
		{syscall.ECONNREFUSED, ErrCodeConnRefused},
		{syscall.ECANCELED, ErrCodeCanceled},
		{syscall.ETIMEDOUT, ErrCodeTimedOut},
		{syscall.EBADF, ErrCodeBadDescriptor},
		{syscall.EMFILE, ErrCodeRegisterFailed},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := WrapErrno("READ", 5, tt.errno)
			if err.Code != tt.code {
				t.Errorf("code = %q, want %q", err.Code, tt.code)
			}
			if !IsErrno(err, tt.errno) {
				t.Errorf("IsErrno(%v) = false", tt.errno)
			}
			if !errors.Is(err, tt.errno) {
				t.Errorf("errors.Is should unwrap to the errno")
			}
		})
	}
}

func TestWrapErrorPreservesStructure(t *testing.T) {
	inner := WrapErrno("READ", 9, syscall.ECONNRESET)
	wrapped := WrapError("TICK", inner)

	if wrapped.Op != "TICK" {
		t.Errorf("Op = %q, want TICK", wrapped.Op)
	}
	if wrapped.Code != ErrCodeConnReset {
		t.Errorf("Code = %q, want %q", wrapped.Code, ErrCodeConnReset)
	}
	if wrapped.FD != 9 {
		t.Errorf("FD = %d, want 9", wrapped.FD)
	}
	if !errors.Is(wrapped, syscall.ECONNRESET) {
		t.Error("errno lost through wrapping")
	}
}

func TestWrapErrorPlain(t *testing.T) {
	plain := fmt.Errorf("something broke")
	wrapped := WrapError("WAIT", plain)

	if wrapped.Code != ErrCodeIOError {
		t.Errorf("Code = %q, want %q", wrapped.Code, ErrCodeIOError)
	}
	if !errors.Is(wrapped, plain) {
		t.Error("inner error lost through wrapping")
	}
	if WrapError("WAIT", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestErrorClassification(t *testing.T) {
	fatal := []ErrorCode{
		ErrCodeInvalidState,
		ErrCodeBackendInit,
		ErrCodeUnknownCompletion,
		ErrCodeLoopClosed,
	}
	recoverable := []ErrorCode{
		ErrCodeExhausted,
		ErrCodeRegisterFailed,
		ErrCodeCanceled,
		ErrCodeConnReset,
		ErrCodeBrokenPipe,
		ErrCodeConnRefused,
		ErrCodeTimedOut,
		ErrCodeBadDescriptor,
		ErrCodeIOError,
	}

	for _, code := range fatal {
		if code.Class() != ClassFatal {
			t.Errorf("%q should be fatal", code)
		}
		if !IsFatal(NewError("X", code, "")) {
			t.Errorf("IsFatal(%q) = false", code)
		}
	}
	for _, code := range recoverable {
		if code.Class() != ClassRecoverable {
			t.Errorf("%q should be recoverable", code)
		}
		if IsFatal(NewError("X", code, "")) {
			t.Errorf("IsFatal(%q) = true", code)
		}
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("SUBMIT", ErrCodeExhausted, "full")

	if !IsCode(err, ErrCodeExhausted) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeCanceled) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(fmt.Errorf("plain"), ErrCodeExhausted) {
		t.Error("IsCode should reject unstructured errors")
	}
	if IsCode(nil, ErrCodeExhausted) {
		t.Error("IsCode should reject nil")
	}
}
