// Package listener drains the external ledger's confirmation stream and
// applies the final local effects of each submitted operation.
package listener

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

	"settlement-service/internal/chain"
	"settlement-service/internal/config"
	"settlement-service/internal/escrow"
	"settlement-service/internal/model"
	"settlement-service/internal/notify"
)

// FailureRecorder schedules a retry for an operation whose external
// transaction came back failed. The coordinator implements it.
type FailureRecorder interface {
	MarkSubmissionFailed(ctx context.Context, opID uuid.UUID, reason string, retryable bool) error
}

type Listener struct {
	db       *gorm.DB
	source   chain.EventSource
	ledger   *escrow.Ledger
	failures FailureRecorder
	notifier notify.Notifier
	cfg      config.ListenerConfig
	log      *logrus.Logger
}

func New(
	db *gorm.DB,
	source chain.EventSource,
	ledger *escrow.Ledger,
	failures FailureRecorder,
	notifier notify.Notifier,
	cfg config.ListenerConfig,
	log *logrus.Logger,
) *Listener {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Listener{
		db:       db,
		source:   source,
		ledger:   ledger,
		failures: failures,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Run polls the event stream until the context ends.
func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.log.WithFields(logrus.Fields{
		"listener_id": l.cfg.ListenerID,
		"interval":    l.cfg.PollInterval,
	}).Info("starting confirmation listener")

	for {
		select {
		case <-ctx.Done():
			l.log.Info("stopping confirmation listener")
			return
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.log.WithError(err).Error("confirmation cycle failed")
			}
		}
	}
}

// RunOnce fetches events past the cursor and processes them in stream
// order. The cursor only advances after an event's effects are durable,
// so a crash replays events; every effect below is guarded to be
// idempotent under replay.
func (l *Listener) RunOnce(ctx context.Context) error {
	cursor, err := l.loadCursor(ctx)
	if err != nil {
		return err
	}

	events, err := l.source.Fetch(ctx, cursor.LastProcessedPosition, l.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch confirmation events: %w", err)
	}

	for _, ev := range events {
		if ev.Position <= cursor.LastProcessedPosition {
			continue
		}
		processed, err := l.handle(ctx, ev)
		if err != nil {
			return err
		}
		if !processed {
			// Young event with no matching operation yet; stop here and
			// pick it up again next cycle.
			return nil
		}
		if err := l.advanceCursor(ctx, ev.Position); err != nil {
			return err
		}
		cursor.LastProcessedPosition = ev.Position
	}
	return nil
}

// handle applies one confirmation event. It returns false when the
// event correlates to nothing yet and is still inside the grace period.
func (l *Listener) handle(ctx context.Context, ev chain.Event) (bool, error) {
	log := l.log.WithFields(logrus.Fields{
		"position":        ev.Position,
		"correlation_key": ev.CorrelationKey,
		"success":         ev.Success,
	})

	opID, err := chain.ParseIdempotencyKey(ev.CorrelationKey)
	if err != nil {
		log.WithError(err).Warn("skipping event with foreign correlation key")
		return true, nil
	}

	var op model.PendingOperation
	err = l.db.WithContext(ctx).Where("id = ?", opID).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if time.Since(ev.ObservedAt) < l.cfg.GracePeriod {
			log.Debug("event precedes its operation record, deferring")
			return false, nil
		}
		log.Warn("skipping event with no matching operation after grace period")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if op.Status == model.OpCompleted || op.Status == model.OpMaxRetries {
		log.Debug("operation already terminal, ignoring replayed event")
		return true, nil
	}

	if !ev.Success {
		reason := ev.Error
		if reason == "" {
			reason = "external ledger reported failure"
		}
		if err := l.failures.MarkSubmissionFailed(ctx, op.ID, reason, true); err != nil {
			return false, err
		}
		log.Warn("external transaction failed, handed back to coordinator")
		return true, nil
	}

	if err := l.complete(ctx, &op, ev); err != nil {
		return false, err
	}
	log.WithField("kind", op.OperationKind).Info("operation confirmed")
	return true, nil
}

// complete marks the operation done and applies its domain effect in
// one transaction. Conditional updates keep replays from crediting or
// confirming twice.
func (l *Listener) complete(ctx context.Context, op *model.PendingOperation, ev chain.Event) error {
	var confirmed *confirmedEffect
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&model.PendingOperation{}).
			Where("id = ? AND status NOT IN (?, ?)", op.ID, model.OpCompleted, model.OpMaxRetries).
			Updates(map[string]interface{}{
				"status":          model.OpCompleted,
				"external_tx_ref": ev.TxRef,
				"last_error":      "",
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var err error
		confirmed, err = l.applyEffect(ctx, tx, op, ev)
		return err
	})
	if err != nil {
		return err
	}
	if confirmed != nil {
		l.notifier.Publish(ctx, confirmed.event, confirmed.entityID, confirmed.amount)
	}
	return nil
}

type confirmedEffect struct {
	event    string
	entityID uuid.UUID
	amount   decimal.Decimal
}

func (l *Listener) applyEffect(ctx context.Context, tx *gorm.DB, op *model.PendingOperation, ev chain.Event) (*confirmedEffect, error) {
	switch op.OperationKind {
	case model.OpSettlementTransfer:
		return l.confirmSettlement(ctx, tx, op, ev)
	case model.OpTokenMint:
		return l.confirmMint(tx, op, ev)
	case model.OpEscrowRefund:
		// Local balances moved when the refund was recorded; the event
		// only tells us the on-ledger mirror caught up.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.OperationKind)
	}
}

// confirmSettlement moves the settlement to confirmed and pays out both
// sides: the seller receives the net amount, the buyer receives the
// delivered energy after line losses.
func (l *Listener) confirmSettlement(ctx context.Context, tx *gorm.DB, op *model.PendingOperation, ev chain.Event) (*confirmedEffect, error) {
	var payload chain.SettlementTransferPayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode transfer payload: %w", err)
	}

	var stl model.Settlement
	if err := tx.Where("id = ?", payload.SettlementID).First(&stl).Error; err != nil {
		return nil, fmt.Errorf("settlement %s missing for confirmed transfer: %w", payload.SettlementID, err)
	}

	now := time.Now()
	res := tx.Model(&model.Settlement{}).
		Where("id = ? AND status IN ?", stl.ID,
			[]model.SettlementStatus{model.SettlementPending, model.SettlementSubmitted}).
		Updates(map[string]interface{}{
			"status":          model.SettlementConfirmed,
			"external_tx_ref": ev.TxRef,
			"confirmed_at":    now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	ledger := l.ledger.WithTx(tx)
	if err := ledger.Credit(ctx, stl.Seller, model.AssetCurrency, stl.NetAmount); err != nil {
		return nil, fmt.Errorf("failed to credit seller: %w", err)
	}
	if err := ledger.Credit(ctx, stl.Buyer, model.AssetEnergy, stl.EffectiveEnergy); err != nil {
		return nil, fmt.Errorf("failed to credit buyer: %w", err)
	}

	return &confirmedEffect{
		event:    notify.EventSettlementConfirmed,
		entityID: stl.ID,
		amount:   stl.NetAmount,
	}, nil
}

func (l *Listener) confirmMint(tx *gorm.DB, op *model.PendingOperation, ev chain.Event) (*confirmedEffect, error) {
	var payload chain.TokenMintPayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode mint payload: %w", err)
	}

	now := time.Now()
	res := tx.Model(&model.MeterReading{}).
		Where("id = ? AND mint_status <> ?", payload.ReadingID, model.Minted).
		Updates(map[string]interface{}{
			"mint_status": model.Minted,
			"mint_tx_ref": ev.TxRef,
			"last_error":  "",
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	return &confirmedEffect{
		event:    notify.EventMintCompleted,
		entityID: payload.ReadingID,
		amount:   payload.Amount,
	}, nil
}

func (l *Listener) loadCursor(ctx context.Context) (*model.ListenerCursor, error) {
	var cursor model.ListenerCursor
	err := l.db.WithContext(ctx).Where("listener_id = ?", l.cfg.ListenerID).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = model.ListenerCursor{ListenerID: l.cfg.ListenerID}
		if err := l.db.WithContext(ctx).Create(&cursor).Error; err != nil {
			return nil, err
		}
		return &cursor, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// advanceCursor moves the cursor forward; it never goes backwards.
func (l *Listener) advanceCursor(ctx context.Context, position int64) error {
	return l.db.WithContext(ctx).Model(&model.ListenerCursor{}).
		Where("listener_id = ? AND last_processed_position < ?", l.cfg.ListenerID, position).
		Updates(map[string]interface{}{
			"last_processed_position": position,
			"last_processed_at":       time.Now(),
		}).Error
}
