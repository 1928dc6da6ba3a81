package apperr

import (
	"errors"
	"testing"
)

func TestCodeOfAndIs(t *testing.T) {
	err := New(CodeApplyNotFound, "apply not found")
	code, ok := CodeOf(err)
	if !ok || code != CodeApplyNotFound {
		t.Fatalf("CodeOf() = (%v, %v), want (%v, true)", code, ok, CodeApplyNotFound)
	}
	if !Is(err, CodeApplyNotFound) {
		t.Fatal("Is() should match the error's own code")
	}
	if Is(err, CodeValidation) {
		t.Fatal("Is() should not match an unrelated code")
	}
}

func TestCodeOfFalseForPlainError(t *testing.T) {
	if _, ok := CodeOf(errors.New("boom")); ok {
		t.Fatal("CodeOf() should report false for a non-apperr error")
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeStoreUnavailable, "connect to store", cause)

	if !errors.Is(err, cause) {
		t.Fatal("Wrap should keep cause reachable via errors.Is")
	}
	if got := errors.Unwrap(err); got != cause {
		t.Fatalf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestSentinelErrorsCarryStableCodes(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{ErrAlreadyRunning, CodeAlreadyRunning},
		{ErrSuspendedDataExists, CodeSuspendedDataExists},
		{ErrApplyNotFound, CodeApplyNotFound},
		{ErrAlreadyExecuted, CodeAlreadyExecuted},
		{ErrDeleteConflict, CodeDeleteConflict},
		{ErrProcessMissing, CodeProcessMissing},
		{ErrStoreUnavailable, CodeStoreUnavailable},
	}
	for _, tt := range tests {
		if !Is(tt.err, tt.code) {
			t.Errorf("sentinel %v does not carry expected code %v", tt.err, tt.code)
		}
	}
}
