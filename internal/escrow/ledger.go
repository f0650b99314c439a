package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-service/internal/chain"
	"settlement-service/internal/model"
	"settlement-service/internal/notify"
)

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrEscrowNotFound      = errors.New("escrow record not found")
	ErrVersionConflict     = errors.New("balance modified concurrently, retries exhausted")
	ErrInvariantViolation  = errors.New("balance invariant violation")
)

// Balance writes are optimistic: re-read and re-apply on version conflict.
const balanceRetries = 5

// Ledger is the authoritative record of locked currency and energy.
// Accounts are only ever mutated through Lock, Release, Refund and
// Credit, each a single transaction, so available+locked is conserved
// at every visible state.
type Ledger struct {
	db       *gorm.DB
	log      *logrus.Logger
	notifier notify.Notifier
}

func NewLedger(db *gorm.DB, log *logrus.Logger, notifier notify.Notifier) *Ledger {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Ledger{db: db, log: log, notifier: notifier}
}

// WithTx returns a Ledger whose operations join an enclosing transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, log: l.log, notifier: l.notifier}
}

// Lock reserves amount of the given asset against an order. The balance
// check and the debit commit atomically; two concurrent locks can never
// both pass a stale check.
func (l *Ledger) Lock(
	ctx context.Context,
	owner uuid.UUID,
	asset model.AssetKind,
	amount decimal.Decimal,
	orderID uuid.UUID,
	purpose model.EscrowPurpose,
) (uuid.UUID, error) {
	if amount.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("lock amount must be positive, got %s", amount)
	}

	escrowID := uuid.New()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := l.mutateBalance(tx, owner, func(b *model.Balance) error {
			available, locked := balanceFields(b, asset)
			if available.Cmp(amount) < 0 {
				return fmt.Errorf("%w: required %s, available %s %s",
					ErrInsufficientBalance, amount, available, asset)
			}
			setBalanceFields(b, asset, available.Sub(amount), locked.Add(amount))
			return nil
		})
		if err != nil {
			return err
		}

		record := model.EscrowRecord{
			ID:             escrowID,
			Owner:          owner,
			RelatedOrderID: orderID,
			Amount:         amount,
			AssetKind:      asset,
			Purpose:        purpose,
			State:          model.EscrowLocked,
			Description:    fmt.Sprintf("%s for order %s", purpose, orderID),
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return uuid.Nil, err
	}

	l.log.WithFields(logrus.Fields{
		"escrow_id": escrowID,
		"owner":     owner,
		"order_id":  orderID,
		"asset":     asset,
		"amount":    amount,
	}).Info("escrow locked")

	return escrowID, nil
}

// Release consumes a locked escrow for a settlement. The locked balance
// drops by the original locked amount; if actualAmount is smaller
// (partial fill) the difference returns to available. Releasing an
// already released or refunded escrow is a logged no-op.
func (l *Ledger) Release(ctx context.Context, escrowID uuid.UUID, actualAmount decimal.Decimal) error {
	return l.transition(ctx, escrowID, model.EscrowReleased, func(tx *gorm.DB, rec *model.EscrowRecord) error {
		if actualAmount.Cmp(rec.Amount) > 0 {
			l.log.WithFields(logrus.Fields{
				"escrow_id": escrowID,
				"locked":    rec.Amount,
				"actual":    actualAmount,
			}).Error("release amount exceeds locked amount")
			return fmt.Errorf("%w: release of %s exceeds locked %s", ErrInvariantViolation, actualAmount, rec.Amount)
		}

		remainder := rec.Amount.Sub(actualAmount)
		return l.mutateBalance(tx, rec.Owner, func(b *model.Balance) error {
			available, locked := balanceFields(b, rec.AssetKind)
			setBalanceFields(b, rec.AssetKind, available.Add(remainder), locked.Sub(rec.Amount))
			return nil
		})
	})
}

// Refund returns the full locked amount to available when the owning
// order expires or cancels before being consumed. Idempotent under the
// same rule as Release. The matching external-ledger refund is queued in
// the same transaction so a crash leaves no divergent state.
func (l *Ledger) Refund(ctx context.Context, escrowID uuid.UUID) error {
	var refunded *model.EscrowRecord

	err := l.transition(ctx, escrowID, model.EscrowRefunded, func(tx *gorm.DB, rec *model.EscrowRecord) error {
		err := l.mutateBalance(tx, rec.Owner, func(b *model.Balance) error {
			available, locked := balanceFields(b, rec.AssetKind)
			setBalanceFields(b, rec.AssetKind, available.Add(rec.Amount), locked.Sub(rec.Amount))
			return nil
		})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(chain.EscrowRefundPayload{
			EscrowID:  rec.ID,
			Owner:     rec.Owner,
			Amount:    rec.Amount,
			AssetKind: rec.AssetKind,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal refund payload: %w", err)
		}

		op := model.PendingOperation{
			ID:            uuid.New(),
			OperationKind: model.OpEscrowRefund,
			GroupKey:      rec.ID,
			Payload:       string(payload),
			Status:        model.OpPending,
			MaxAttempts:   3,
			NextRetryAt:   time.Now(),
		}
		if err := tx.Create(&op).Error; err != nil {
			return err
		}

		refunded = rec
		return nil
	})
	if err != nil {
		return err
	}

	if refunded != nil {
		l.notifier.Publish(ctx, notify.EventEscrowRefunded, refunded.ID, refunded.Amount)
	}
	return nil
}

// Credit adds externally confirmed value to an account's available
// balance. Only the confirmation listener calls this, after the external
// ledger has finalized the corresponding transfer.
func (l *Ledger) Credit(ctx context.Context, owner uuid.UUID, asset model.AssetKind, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %s", amount)
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.mutateBalance(tx, owner, func(b *model.Balance) error {
			available, locked := balanceFields(b, asset)
			setBalanceFields(b, asset, available.Add(amount), locked)
			return nil
		})
	})
}

// FindLockedByOrder returns the still-locked escrow for an order and
// asset kind, used by the settlement executor to locate the buyer's
// currency lock and the seller's energy lock.
func (l *Ledger) FindLockedByOrder(ctx context.Context, orderID uuid.UUID, asset model.AssetKind) (*model.EscrowRecord, error) {
	var rec model.EscrowRecord
	err := l.db.WithContext(ctx).
		Where("related_order_id = ? AND asset_kind = ? AND state = ?", orderID, asset, model.EscrowLocked).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order %s asset %s", ErrEscrowNotFound, orderID, asset)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetBalance returns the account's balance record, zero-valued if the
// account has never held funds.
func (l *Ledger) GetBalance(ctx context.Context, owner uuid.UUID) (*model.Balance, error) {
	var b model.Balance
	err := l.db.WithContext(ctx).Where("owner = ?", owner).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Balance{Owner: owner}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LockedEscrowTotal sums the still-locked escrow amounts for one
// owner and asset. It must always equal the account's locked balance.
func (l *Ledger) LockedEscrowTotal(ctx context.Context, owner uuid.UUID, asset model.AssetKind) (decimal.Decimal, error) {
	var rows []model.EscrowRecord
	err := l.db.WithContext(ctx).
		Where("owner = ? AND asset_kind = ? AND state = ?", owner, asset, model.EscrowLocked).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total, nil
}

// transition moves a locked escrow to a terminal state and runs the
// balance adjustment in the same transaction. The state change is a
// conditional update so a concurrent double-transition loses the race
// and becomes a no-op instead of a silent overwrite.
func (l *Ledger) transition(
	ctx context.Context,
	escrowID uuid.UUID,
	target model.EscrowState,
	adjust func(tx *gorm.DB, rec *model.EscrowRecord) error,
) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.EscrowRecord
		err := tx.Where("id = ?", escrowID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
		}
		if err != nil {
			return err
		}

		if rec.State != model.EscrowLocked {
			l.log.WithFields(logrus.Fields{
				"escrow_id": escrowID,
				"state":     rec.State,
				"requested": target,
			}).Warn("escrow already in terminal state, skipping transition")
			return nil
		}

		res := tx.Model(&model.EscrowRecord{}).
			Where("id = ? AND state = ?", escrowID, model.EscrowLocked).
			Updates(map[string]interface{}{
				"state":      target,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			l.log.WithField("escrow_id", escrowID).Warn("escrow transitioned concurrently, skipping")
			return nil
		}

		if err := adjust(tx, &rec); err != nil {
			return err
		}

		l.log.WithFields(logrus.Fields{
			"escrow_id": escrowID,
			"owner":     rec.Owner,
			"asset":     rec.AssetKind,
			"amount":    rec.Amount,
			"state":     target,
		}).Info("escrow transitioned")
		return nil
	})
}

// mutateBalance applies a read-modify-write to one account's balance row
// under optimistic version locking. All arithmetic happens in Go on
// decimals; the row update only lands if no concurrent writer advanced
// the version first.
func (l *Ledger) mutateBalance(tx *gorm.DB, owner uuid.UUID, apply func(b *model.Balance) error) error {
	for attempt := 0; attempt < balanceRetries; attempt++ {
		var current model.Balance
		err := tx.Where("owner = ?", owner).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			current = model.Balance{Owner: owner}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&current).Error; err != nil {
				return err
			}
			// Row may have been created by a concurrent writer; reload.
			if err := tx.Where("owner = ?", owner).First(&current).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		next := current
		if err := apply(&next); err != nil {
			return err
		}
		if err := checkNonNegative(&next); err != nil {
			l.log.WithError(err).WithField("owner", owner).Error("refusing balance update")
			return err
		}

		res := tx.Model(&model.Balance{}).
			Where("owner = ? AND version = ?", owner, current.Version).
			Updates(map[string]interface{}{
				"available_currency": next.AvailableCurrency,
				"locked_currency":    next.LockedCurrency,
				"available_energy":   next.AvailableEnergy,
				"locked_energy":      next.LockedEnergy,
				"version":            current.Version + 1,
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: owner %s", ErrVersionConflict, owner)
}

func checkNonNegative(b *model.Balance) error {
	for name, v := range map[string]decimal.Decimal{
		"available_currency": b.AvailableCurrency,
		"locked_currency":    b.LockedCurrency,
		"available_energy":   b.AvailableEnergy,
		"locked_energy":      b.LockedEnergy,
	} {
		if v.Sign() < 0 {
			return fmt.Errorf("%w: %s would become %s", ErrInvariantViolation, name, v)
		}
	}
	return nil
}

func balanceFields(b *model.Balance, asset model.AssetKind) (available, locked decimal.Decimal) {
	if asset == model.AssetEnergy {
		return b.AvailableEnergy, b.LockedEnergy
	}
	return b.AvailableCurrency, b.LockedCurrency
}

func setBalanceFields(b *model.Balance, asset model.AssetKind, available, locked decimal.Decimal) {
	if asset == model.AssetEnergy {
		b.AvailableEnergy = available
		b.LockedEnergy = locked
		return
	}
	b.AvailableCurrency = available
	b.LockedCurrency = locked
}
