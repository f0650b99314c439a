// Package chain is the boundary to the external ledger. The pipeline only
// ever submits opaque operations and observes confirmation events; the
// ledger's wire format and programs live behind these interfaces.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
)

// Operation is one unit of work destined for the external ledger.
type Operation struct {
	ID             uuid.UUID
	Kind           model.OperationKind
	IdempotencyKey string
	Payload        []byte
}

// IdempotencyKey derives a deterministic key from the operation id so a
// retried submission after an ambiguous timeout cannot execute twice on
// the external ledger.
func IdempotencyKey(operationID uuid.UUID) string {
	return "op:" + operationID.String()
}

// ParseIdempotencyKey recovers the operation id from a confirmation
// event's correlation key.
func ParseIdempotencyKey(key string) (uuid.UUID, error) {
	trimmed, ok := strings.CutPrefix(key, "op:")
	if !ok {
		return uuid.Nil, fmt.Errorf("malformed correlation key %q", key)
	}
	return uuid.Parse(trimmed)
}

// SubmitError carries whether a failed submission is worth retrying.
// Timeouts and rate limits are retryable; malformed payloads are not.
type SubmitError struct {
	Retryable bool
	Err       error
}

func (e *SubmitError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("retryable submit error: %v", e.Err)
	}
	return fmt.Sprintf("permanent submit error: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should go back to the retry queue.
// Unknown errors are treated as retryable: the outcome is ambiguous and
// idempotent resubmission is safe.
func IsRetryable(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// Submitter submits one operation and returns the external transaction
// reference. Implementations must honor the operation's idempotency key.
type Submitter interface {
	Submit(ctx context.Context, op Operation) (txRef string, err error)
}

// Event is one confirmation observed on the external ledger's stream.
type Event struct {
	Position       int64
	CorrelationKey string
	Success        bool
	TxRef          string
	Error          string
	ObservedAt     time.Time
}

// EventSource drains the external ledger's event stream in position order.
type EventSource interface {
	Fetch(ctx context.Context, afterPosition int64, limit int) ([]Event, error)
}

// SettlementTransferPayload moves the buyer's escrowed value to the seller.
type SettlementTransferPayload struct {
	SettlementID uuid.UUID       `json:"settlement_id"`
	From         uuid.UUID       `json:"from"`
	To           uuid.UUID       `json:"to"`
	NetAmount    decimal.Decimal `json:"net_amount"`
}

// TokenMintPayload credits a producer with tokens for verified production.
type TokenMintPayload struct {
	ReadingID   uuid.UUID       `json:"reading_id"`
	OwnerWallet string          `json:"owner_wallet"`
	Amount      decimal.Decimal `json:"amount"`
}

// EscrowRefundPayload reverses an on-ledger lock after a local refund.
type EscrowRefundPayload struct {
	EscrowID  uuid.UUID       `json:"escrow_id"`
	Owner     uuid.UUID       `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	AssetKind model.AssetKind `json:"asset_kind"`
}
