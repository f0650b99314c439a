package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetKind distinguishes the two balances an account holds.
type AssetKind string

const (
	AssetCurrency AssetKind = "currency"
	AssetEnergy   AssetKind = "energy"
)

// EscrowPurpose records which side of an order locked the funds.
type EscrowPurpose string

const (
	PurposeBuyLock  EscrowPurpose = "buy_lock"
	PurposeSellLock EscrowPurpose = "sell_lock"
)

// EscrowState is the lifecycle state of a locked amount. Released and
// refunded are terminal and mutually exclusive.
type EscrowState string

const (
	EscrowLocked   EscrowState = "locked"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

// SettlementStatus is monotonic: pending -> submitted -> confirmed|failed.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// OperationKind identifies what the queued external-ledger operation does.
type OperationKind string

const (
	OpSettlementTransfer OperationKind = "settlement_transfer"
	OpTokenMint          OperationKind = "token_mint"
	OpEscrowRefund       OperationKind = "escrow_refund"
)

// OperationStatus for the retry queue. "failed" is retryable and returns
// to "pending" once next_retry_at passes; "max_retries" is terminal.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpProcessing OperationStatus = "processing"
	OpSubmitted  OperationStatus = "submitted"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpMaxRetries OperationStatus = "max_retries"
)

// MintStatus keeps every reading in exactly one of three buckets.
type MintStatus string

const (
	MintPending MintStatus = "pending"
	MintFailed  MintStatus = "failed"
	Minted      MintStatus = "minted"
)

// RevenueType tags platform revenue ledger entries.
type RevenueType string

const (
	RevenuePlatformFee        RevenueType = "platform_fee"
	RevenueTransmissionCharge RevenueType = "transmission_charge"
	RevenueLossCost           RevenueType = "loss_cost"
)

// Balance holds one account's currency and energy positions. The four
// columns are only ever mutated by the escrow ledger's lock/release/refund
// and by confirmed settlement credits; Version guards concurrent writers.
type Balance struct {
	Owner             uuid.UUID       `gorm:"primaryKey;type:uuid"`
	AvailableCurrency decimal.Decimal `gorm:"type:decimal(32,8);not null;default:0"`
	LockedCurrency    decimal.Decimal `gorm:"type:decimal(32,8);not null;default:0"`
	AvailableEnergy   decimal.Decimal `gorm:"type:decimal(32,8);not null;default:0"`
	LockedEnergy      decimal.Decimal `gorm:"type:decimal(32,8);not null;default:0"`
	Version           uint            `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

// EscrowRecord is one locked amount tied to one order.
type EscrowRecord struct {
	ID             uuid.UUID       `gorm:"primaryKey;type:uuid"`
	Owner          uuid.UUID       `gorm:"type:uuid;index;not null"`
	RelatedOrderID uuid.UUID       `gorm:"type:uuid;index;not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	AssetKind      AssetKind       `gorm:"size:16;not null"`
	Purpose        EscrowPurpose   `gorm:"size:16;not null"`
	State          EscrowState     `gorm:"size:16;index;not null"`
	Description    string          `gorm:"size:256"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Settlement is the financial record of one matched trade. The
// (buy_order_id, sell_order_id) pair is unique so duplicate match
// delivery cannot create a second settlement.
type Settlement struct {
	ID                 uuid.UUID        `gorm:"primaryKey;type:uuid"`
	Buyer              uuid.UUID        `gorm:"type:uuid;index;not null"`
	Seller             uuid.UUID        `gorm:"type:uuid;index;not null"`
	BuyOrderID         uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_settlement_pair,priority:1;not null"`
	SellOrderID        uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_settlement_pair,priority:2;not null"`
	EnergyAmount       decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	PricePerUnit       decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	GrossAmount        decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	PlatformFee        decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	TransmissionCharge decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	LossFactor         decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	LossCost           decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	EffectiveEnergy    decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	NetAmount          decimal.Decimal  `gorm:"type:decimal(32,8);not null"`
	Status             SettlementStatus `gorm:"size:16;index;not null"`
	ExternalTxRef      string           `gorm:"size:128"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ConfirmedAt        *time.Time
}

// RevenueEntry is an append-only platform revenue line referencing its
// settlement. Never updated after insert.
type RevenueEntry struct {
	ID           uuid.UUID       `gorm:"primaryKey;type:uuid"`
	SettlementID uuid.UUID       `gorm:"type:uuid;index;not null"`
	Amount       decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	RevenueType  RevenueType     `gorm:"size:32;index;not null"`
	Description  string          `gorm:"size:256"`
	CreatedAt    time.Time
}

// PendingOperation is the retry-queue row for one external-ledger
// operation. GroupKey serializes operations belonging to the same
// settlement or reading: two rows sharing a group are never in
// "processing" at the same time.
type PendingOperation struct {
	ID            uuid.UUID       `gorm:"primaryKey;type:uuid"`
	OperationKind OperationKind   `gorm:"size:32;not null"`
	GroupKey      uuid.UUID       `gorm:"type:uuid;index;not null"`
	Payload       string          `gorm:"type:text;not null"`
	Status        OperationStatus `gorm:"size:16;index:idx_op_sched,priority:1;not null"`
	AttemptCount  int             `gorm:"not null;default:0"`
	MaxAttempts   int             `gorm:"not null"`
	NextRetryAt   time.Time       `gorm:"index:idx_op_sched,priority:2"`
	ClaimedAt     *time.Time
	SubmittedAt   *time.Time
	ExternalTxRef string          `gorm:"size:128"`
	LastError     string          `gorm:"size:512"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MeterReading is a verified production reading awaiting tokenization.
type MeterReading struct {
	ID                 uuid.UUID       `gorm:"primaryKey;type:uuid"`
	OwnerWallet        string          `gorm:"size:128;not null"`
	Owner              uuid.UUID       `gorm:"type:uuid;index"`
	KwhAmount          decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	ReadingTimestamp   time.Time       `gorm:"not null"`
	VerificationStatus string          `gorm:"size:32;not null"`
	MintStatus         MintStatus      `gorm:"size:16;index;not null"`
	MintTxRef          string          `gorm:"size:128"`
	LastError          string          `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ZoneRate is an effective-dated transmission rate between two pricing
// zones. The most recent row with effective_from <= now wins.
type ZoneRate struct {
	ID             uint            `gorm:"primaryKey"`
	FromZone       int             `gorm:"index:idx_zone_pair,priority:1;not null"`
	ToZone         int             `gorm:"index:idx_zone_pair,priority:2;not null"`
	WheelingCharge decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	LossFactor     decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	EffectiveFrom  time.Time       `gorm:"index:idx_zone_pair,priority:3;not null"`
	CreatedAt      time.Time
}

// ListenerCursor bookmarks how far a confirmation listener has drained
// the external event stream. One row per listener identity.
type ListenerCursor struct {
	ListenerID            string `gorm:"primaryKey;size:64"`
	LastProcessedPosition int64  `gorm:"not null;default:0"`
	LastProcessedAt       time.Time
}
