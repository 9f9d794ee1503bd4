package errs

import (
	"errors"
	"testing"
)

func TestIsMatchesByKindAndReason(t *testing.T) {
	err := Crypto(ReasonAuthTagMismatch, "decrypt failed", nil)
	if !errors.Is(err, ErrAuthTagMismatch) {
		t.Fatalf("expected errors.Is to match ErrAuthTagMismatch")
	}
	if errors.Is(err, ErrChainGapTooLarge) {
		t.Fatalf("errors.Is matched an unrelated sentinel")
	}
}

func TestIsMatchesByKindOnlyWhenReasonEmpty(t *testing.T) {
	err := New(KindObjectDisposed, "", "connection closed", nil)
	if !errors.Is(err, ErrObjectDisposed) {
		t.Fatalf("expected kind-only sentinel to match")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying io failure")
	err := Storage(ReasonIO, "write failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the wrapped cause")
	}
}

func TestNotFoundIsInvalidInputKindWithNotFoundReason(t *testing.T) {
	err := NotFound("missing prekey")
	if err.Kind != KindInvalidInput {
		t.Fatalf("NotFound kind: got %s want %s", err.Kind, KindInvalidInput)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is to match ErrNotFound")
	}
}
