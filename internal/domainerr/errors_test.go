package domainerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{name: "validation", err: Validation("BAD_SHAPE", "bad shape", nil), sentinel: ErrValidation},
		{name: "not found", err: NotFound("BLOCK_NOT_FOUND", "missing", nil), sentinel: ErrNotFound},
		{name: "safety", err: Safety("EMPTY_DOCUMENT", "would empty", nil), sentinel: ErrSafety},
		{name: "capacity", err: Capacity("TOO_MANY_TARGETS", "too many", nil), sentinel: ErrCapacity},
		{name: "operation", err: Operation("APPLY_FAILED", "apply failed", errors.New("boom")), sentinel: ErrOperation, retryable: true},
		{name: "network", err: Network("RELAY_FAILED", "relay failed", errors.New("eof")), sentinel: ErrNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("submit: %w", tc.err)
			if !errors.Is(wrapped, tc.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false", wrapped, tc.sentinel)
			}
			if got := Retryable(wrapped); got != tc.retryable {
				t.Fatalf("Retryable() = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestOperationUnwrapsCause(t *testing.T) {
	cause := errors.New("block vanished")
	err := Operation("APPLY_FAILED", "apply failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
}
