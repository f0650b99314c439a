// Package tokenize converts verified meter readings into token mint
// operations. Readings arrive on a Redis list from the metering side;
// rejected readings go to a dead-letter list and are never retried.
package tokenize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-service/internal/chain"
	"settlement-service/internal/config"
	"settlement-service/internal/model"
)

const statusVerified = "verified"

// popTimeout bounds each blocking pop so the worker can notice a
// cancelled context.
const popTimeout = 2 * time.Second

// ReadingMessage is the wire format on the reading queue.
type ReadingMessage struct {
	ReadingID          uuid.UUID       `json:"reading_id"`
	OwnerWallet        string          `json:"owner_wallet"`
	Owner              uuid.UUID       `json:"owner"`
	KwhAmount          decimal.Decimal `json:"kwh_amount"`
	ReadingTimestamp   time.Time       `json:"reading_timestamp"`
	VerificationStatus string          `json:"verification_status"`
}

type deadLetter struct {
	Reason  string          `json:"reason"`
	Raw     json.RawMessage `json:"raw"`
	MovedAt time.Time       `json:"moved_at"`
}

type Pipeline struct {
	db          *gorm.DB
	rdb         *redis.Client
	cfg         config.TokenizeConfig
	queue       string
	dlq         string
	maxAttempts int
	log         *logrus.Logger
}

func New(
	db *gorm.DB,
	rdb *redis.Client,
	cfg config.TokenizeConfig,
	redisCfg config.RedisConfig,
	maxAttempts int,
	log *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		db:          db,
		rdb:         rdb,
		cfg:         cfg,
		queue:       redisCfg.ReadingQueue,
		dlq:         redisCfg.ReadingDLQ,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Run drains the reading queue until the context ends.
func (p *Pipeline) Run(ctx context.Context) {
	p.log.WithField("queue", p.queue).Info("starting tokenization worker")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopping tokenization worker")
			return
		default:
		}

		res, err := p.rdb.BRPop(ctx, popTimeout, p.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			p.log.WithError(err).Error("failed to pop reading from queue")
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [queue, value].
		if len(res) != 2 {
			continue
		}
		if err := p.Process(ctx, []byte(res[1])); err != nil {
			p.log.WithError(err).Error("failed to process reading")
		}
	}
}

// Process validates one raw reading message and, if it passes, records
// the reading and queues its mint operation atomically. Validation
// failures dead-letter the message; only infrastructure errors return
// non-nil.
func (p *Pipeline) Process(ctx context.Context, raw []byte) error {
	var msg ReadingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return p.reject(ctx, raw, fmt.Sprintf("malformed message: %v", err))
	}

	if reason := p.validate(msg); reason != "" {
		return p.reject(ctx, raw, reason)
	}

	tokens := msg.KwhAmount.Mul(p.cfg.KwhToTokenRatio)

	reading := model.MeterReading{
		ID:                 msg.ReadingID,
		OwnerWallet:        msg.OwnerWallet,
		Owner:              msg.Owner,
		KwhAmount:          msg.KwhAmount,
		ReadingTimestamp:   msg.ReadingTimestamp,
		VerificationStatus: msg.VerificationStatus,
		MintStatus:         model.MintPending,
	}

	payload, err := json.Marshal(chain.TokenMintPayload{
		ReadingID:   msg.ReadingID,
		OwnerWallet: msg.OwnerWallet,
		Amount:      tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mint payload: %w", err)
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Redelivered messages are dropped here, not minted twice.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reading)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			p.log.WithField("reading_id", msg.ReadingID).Debug("reading already recorded, skipping")
			return nil
		}

		op := model.PendingOperation{
			ID:            uuid.New(),
			OperationKind: model.OpTokenMint,
			GroupKey:      msg.ReadingID,
			Payload:       string(payload),
			Status:        model.OpPending,
			MaxAttempts:   p.maxAttempts,
			NextRetryAt:   time.Now(),
		}
		return tx.Create(&op).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record reading %s: %w", msg.ReadingID, err)
	}

	p.log.WithFields(logrus.Fields{
		"reading_id": msg.ReadingID,
		"kwh":        msg.KwhAmount,
		"tokens":     tokens,
	}).Info("reading accepted for minting")
	return nil
}

// validate returns a rejection reason, or "" when the reading is
// mintable.
func (p *Pipeline) validate(msg ReadingMessage) string {
	if msg.ReadingID == uuid.Nil {
		return "missing reading id"
	}
	if msg.OwnerWallet == "" {
		return "missing owner wallet"
	}
	if msg.VerificationStatus != statusVerified {
		return fmt.Sprintf("reading not verified: %q", msg.VerificationStatus)
	}
	if !msg.KwhAmount.IsPositive() {
		return "non-positive kWh amount"
	}
	if msg.KwhAmount.GreaterThan(p.cfg.MaxReadingKwh) {
		return fmt.Sprintf("kWh amount exceeds per-reading cap %s", p.cfg.MaxReadingKwh)
	}
	if time.Since(msg.ReadingTimestamp) > p.cfg.MaxReadingAge {
		return "reading older than maximum age"
	}
	if msg.ReadingTimestamp.After(time.Now().Add(time.Minute)) {
		return "reading timestamp in the future"
	}
	return ""
}

// reject moves a bad message to the dead-letter list. Rejections are
// final; nothing re-reads the DLQ automatically.
func (p *Pipeline) reject(ctx context.Context, raw []byte, reason string) error {
	p.log.WithField("reason", reason).Warn("rejecting meter reading")

	entry, err := json.Marshal(deadLetter{
		Reason:  reason,
		Raw:     json.RawMessage(raw),
		MovedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.rdb.LPush(ctx, p.dlq, entry).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter reading: %w", err)
	}
	return nil
}

// FailedMints lists readings whose mint exhausted its retries.
func (p *Pipeline) FailedMints(ctx context.Context) ([]model.MeterReading, error) {
	var readings []model.MeterReading
	err := p.db.WithContext(ctx).
		Where("mint_status = ?", model.MintFailed).
		Order("updated_at DESC").
		Find(&readings).Error
	return readings, err
}
