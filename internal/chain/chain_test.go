package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestIdempotencyKeyRoundTrip(t *testing.T) {
	id := uuid.New()
	key := IdempotencyKey(id)

	got, err := ParseIdempotencyKey(key)
	if err != nil {
		t.Fatalf("ParseIdempotencyKey failed: %v", err)
	}
	if got != id {
		t.Fatalf("parsed id = %s, want %s", got, id)
	}

	// Same operation always derives the same key.
	if key != IdempotencyKey(id) {
		t.Fatalf("idempotency key is not deterministic")
	}
}

func TestParseIdempotencyKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"", "tx-123", "op:", "op:not-a-uuid"} {
		if _, err := ParseIdempotencyKey(key); err == nil {
			t.Fatalf("ParseIdempotencyKey(%q) accepted a foreign key", key)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := &SubmitError{Retryable: true, Err: fmt.Errorf("timeout")}
	permanent := &SubmitError{Retryable: false, Err: fmt.Errorf("bad payload")}

	if !IsRetryable(retryable) {
		t.Fatalf("retryable error reported as permanent")
	}
	if IsRetryable(fmt.Errorf("wrapped: %w", permanent)) {
		t.Fatalf("permanent error reported as retryable through wrapping")
	}
	// Unknown errors are ambiguous and must stay retryable.
	if !IsRetryable(errors.New("socket closed")) {
		t.Fatalf("unknown error reported as permanent")
	}
}
