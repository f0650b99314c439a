// Package coordinator owns the pending-operation queue: every operation
// destined for the external ledger is submitted, retried and escalated
// from here and nowhere else.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-service/internal/chain"
	"settlement-service/internal/config"
	"settlement-service/internal/model"
	"settlement-service/internal/notify"
)

type Coordinator struct {
	db        *gorm.DB
	submitter chain.Submitter
	notifier  notify.Notifier
	cfg       config.CoordinatorConfig
	log       *logrus.Logger
}

func New(
	db *gorm.DB,
	submitter chain.Submitter,
	notifier notify.Notifier,
	cfg config.CoordinatorConfig,
	log *logrus.Logger,
) *Coordinator {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Coordinator{
		db:        db,
		submitter: submitter,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// Run polls the queue on a fixed interval until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.log.WithFields(logrus.Fields{
		"interval": c.cfg.PollInterval,
		"workers":  c.cfg.Workers,
	}).Info("starting transaction coordinator")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("stopping transaction coordinator")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.log.WithError(err).Error("coordinator cycle failed")
			}
		}
	}
}

// RunOnce requeues stuck operations, claims a batch of due ones and
// submits them through the worker pool.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	if err := c.requeueStuck(ctx); err != nil {
		return err
	}

	ops, err := c.claimDue(ctx)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	c.log.WithField("count", len(ops)).Debug("claimed pending operations")

	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range ops {
		op := ops[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.process(ctx, op)
		}()
	}
	wg.Wait()
	return nil
}

// claimDue selects due operations and claims each with an atomic
// pending->processing transition. The claim refuses rows whose group
// (same settlement or reading) already has an operation in flight, so
// two operations for one entity never process simultaneously.
func (c *Coordinator) claimDue(ctx context.Context) ([]model.PendingOperation, error) {
	var candidates []model.PendingOperation
	err := c.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ?",
			[]model.OperationStatus{model.OpPending, model.OpFailed}, time.Now()).
		Order("next_retry_at ASC").
		Limit(c.cfg.BatchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select due operations: %w", err)
	}

	claimed := make([]model.PendingOperation, 0, len(candidates))
	now := time.Now()
	for _, op := range candidates {
		res := c.db.WithContext(ctx).Exec(`
			UPDATE pending_operations
			SET status = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
			AND NOT EXISTS (
				SELECT 1 FROM pending_operations sibling
				WHERE sibling.group_key = pending_operations.group_key
				AND sibling.status = ?
				AND sibling.id <> pending_operations.id
			)`,
			model.OpProcessing, now, now,
			op.ID, model.OpPending, model.OpFailed,
			model.OpProcessing,
		)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			op.Status = model.OpProcessing
			op.ClaimedAt = &now
			claimed = append(claimed, op)
		}
	}
	return claimed, nil
}

func (c *Coordinator) process(ctx context.Context, op model.PendingOperation) {
	attempt := op.AttemptCount + 1
	log := c.log.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.OperationKind,
		"attempt":      fmt.Sprintf("%d/%d", attempt, op.MaxAttempts),
	})
	log.Info("submitting operation to external ledger")

	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmissionTimeout)
	defer cancel()

	txRef, err := c.submitter.Submit(subCtx, chain.Operation{
		ID:             op.ID,
		Kind:           op.OperationKind,
		IdempotencyKey: chain.IdempotencyKey(op.ID),
		Payload:        []byte(op.Payload),
	})
	if err != nil {
		log.WithError(err).Warn("submission failed")
		if markErr := c.MarkSubmissionFailed(ctx, op.ID, err.Error(), chain.IsRetryable(err)); markErr != nil {
			log.WithError(markErr).Error("failed to record submission failure")
		}
		return
	}

	now := time.Now()
	res := c.db.WithContext(ctx).Model(&model.PendingOperation{}).
		Where("id = ? AND status = ?", op.ID, model.OpProcessing).
		Updates(map[string]interface{}{
			"status":          model.OpSubmitted,
			"attempt_count":   attempt,
			"external_tx_ref": txRef,
			"submitted_at":    now,
			"last_error":      "",
			"updated_at":      now,
		})
	if res.Error != nil {
		log.WithError(res.Error).Error("failed to mark operation submitted")
		return
	}

	if op.OperationKind == model.OpSettlementTransfer {
		if err := c.markSettlementSubmitted(ctx, op, txRef); err != nil {
			log.WithError(err).Error("failed to advance settlement to submitted")
		}
	}

	log.WithField("external_tx_ref", txRef).Info("operation submitted, awaiting confirmation")
}

// MarkSubmissionFailed moves an operation back into the retry schedule
// with exponential backoff, or escalates to max_retries. The listener
// also calls this when the external ledger reports a failed transaction.
func (c *Coordinator) MarkSubmissionFailed(ctx context.Context, opID uuid.UUID, reason string, retryable bool) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op model.PendingOperation
		if err := tx.Where("id = ?", opID).First(&op).Error; err != nil {
			return err
		}
		if op.Status == model.OpCompleted || op.Status == model.OpMaxRetries {
			// Terminal states never regress.
			return nil
		}

		attempt := op.AttemptCount + 1
		if op.Status == model.OpSubmitted {
			// The successful submission already counted this attempt; a
			// failed confirmation must not consume a second one.
			attempt = op.AttemptCount
			if attempt < 1 {
				attempt = 1
			}
		}
		now := time.Now()

		if !retryable || attempt >= op.MaxAttempts {
			res := tx.Model(&model.PendingOperation{}).
				Where("id = ? AND status NOT IN (?, ?)", opID, model.OpCompleted, model.OpMaxRetries).
				Updates(map[string]interface{}{
					"status":        model.OpMaxRetries,
					"attempt_count": attempt,
					"last_error":    truncate(reason, 512),
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			op.AttemptCount = attempt
			op.LastError = reason
			c.escalate(ctx, tx, &op)
			return nil
		}

		delay := c.Backoff(op.AttemptCount)
		res := tx.Model(&model.PendingOperation{}).
			Where("id = ? AND status NOT IN (?, ?)", opID, model.OpCompleted, model.OpMaxRetries).
			Updates(map[string]interface{}{
				"status":        model.OpFailed,
				"attempt_count": attempt,
				"last_error":    truncate(reason, 512),
				"next_retry_at": now.Add(delay),
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}

		c.log.WithFields(logrus.Fields{
			"operation_id": opID,
			"attempt":      attempt,
			"retry_in":     delay,
		}).Warn("operation scheduled for retry")
		return nil
	})
}

// Backoff is base * multiplier^attempts, capped at the configured
// maximum interval.
func (c *Coordinator) Backoff(attempts int) time.Duration {
	delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(c.cfg.RetryMultiplier, float64(attempts)))
	if delay > c.cfg.MaxRetryDelay || delay <= 0 {
		return c.cfg.MaxRetryDelay
	}
	return delay
}

// escalate marks the owning entity failed and raises the operator
// alert. Local escrow effects are deliberately left standing: the
// external outcome is unknown and reversal needs human investigation.
func (c *Coordinator) escalate(ctx context.Context, tx *gorm.DB, op *model.PendingOperation) {
	c.log.WithFields(logrus.Fields{
		"alert":        true,
		"operation_id": op.ID,
		"kind":         op.OperationKind,
		"attempts":     op.AttemptCount,
		"last_error":   op.LastError,
	}).Error("operation exhausted retries, operator action required")

	switch op.OperationKind {
	case model.OpSettlementTransfer:
		var payload chain.SettlementTransferPayload
		if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
			c.log.WithError(err).Error("failed to decode settlement transfer payload")
			return
		}
		err := tx.Model(&model.Settlement{}).
			Where("id = ? AND status <> ?", payload.SettlementID, model.SettlementConfirmed).
			Updates(map[string]interface{}{
				"status":     model.SettlementFailed,
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			c.log.WithError(err).Error("failed to mark settlement failed")
			return
		}
		c.notifier.Publish(ctx, notify.EventSettlementFailed, payload.SettlementID, payload.NetAmount)

	case model.OpTokenMint:
		var payload chain.TokenMintPayload
		if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
			c.log.WithError(err).Error("failed to decode token mint payload")
			return
		}
		err := tx.Model(&model.MeterReading{}).
			Where("id = ? AND mint_status <> ?", payload.ReadingID, model.Minted).
			Updates(map[string]interface{}{
				"mint_status": model.MintFailed,
				"last_error":  truncate(op.LastError, 512),
				"updated_at":  time.Now(),
			}).Error
		if err != nil {
			c.log.WithError(err).Error("failed to mark reading mint failed")
			return
		}
		c.notifier.Publish(ctx, notify.EventMintFailed, payload.ReadingID, payload.Amount)

	case model.OpEscrowRefund:
		// The local refund already committed; only the on-ledger mirror
		// is stuck. Nothing to reverse without operator investigation.
	}
}

// requeueStuck recovers operations that crashed mid-flight. A row stuck
// in processing past the submission timeout has an ambiguous outcome;
// the idempotency key makes resubmission safe. A row stuck in submitted
// past the confirmation window goes back through the retry schedule.
func (c *Coordinator) requeueStuck(ctx context.Context) error {
	now := time.Now()

	processingCutoff := now.Add(-2 * c.cfg.SubmissionTimeout)
	res := c.db.WithContext(ctx).Model(&model.PendingOperation{}).
		Where("status = ? AND claimed_at < ?", model.OpProcessing, processingCutoff).
		Updates(map[string]interface{}{
			"status":        model.OpPending,
			"next_retry_at": now,
			"last_error":    "submission outcome ambiguous, requeued",
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		c.log.WithField("count", res.RowsAffected).Warn("requeued operations stuck in processing")
	}

	confirmationCutoff := now.Add(-10 * c.cfg.SubmissionTimeout)
	var stale []model.PendingOperation
	err := c.db.WithContext(ctx).
		Where("status = ? AND submitted_at < ?", model.OpSubmitted, confirmationCutoff).
		Find(&stale).Error
	if err != nil {
		return err
	}
	for _, op := range stale {
		c.log.WithField("operation_id", op.ID).Warn("submitted operation never confirmed, rescheduling")
		if err := c.MarkSubmissionFailed(ctx, op.ID, "confirmation window elapsed", true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) markSettlementSubmitted(ctx context.Context, op model.PendingOperation, txRef string) error {
	var payload chain.SettlementTransferPayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return fmt.Errorf("failed to decode transfer payload: %w", err)
	}
	return c.db.WithContext(ctx).Model(&model.Settlement{}).
		Where("id = ? AND status = ?", payload.SettlementID, model.SettlementPending).
		Updates(map[string]interface{}{
			"status":          model.SettlementSubmitted,
			"external_tx_ref": txRef,
			"updated_at":      time.Now(),
		}).Error
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
