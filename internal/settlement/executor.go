package settlement

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
	"settlement-service/internal/escrow"
	"settlement-service/internal/model"
	"settlement-service/internal/notify"
	"settlement-service/internal/rates"
)

var (
	// ErrDuplicateMatch means this order pair already settled; the
	// redelivered match must be acknowledged, not reprocessed.
	ErrDuplicateMatch = errors.New("settlement already exists for order pair")

	// ErrUnsettleable is a validation failure (no effective zone rate,
	// malformed amounts). The match is reported back to the matching
	// engine instead of entering the retry queue.
	ErrUnsettleable = errors.New("match cannot be settled")
)

// MatchEvent is one matched trade delivered by the matching engine,
// at-least-once.
type MatchEvent struct {
	BuyOrderID    uuid.UUID       `json:"buy_order_id"`
	SellOrderID   uuid.UUID       `json:"sell_order_id"`
	Buyer         uuid.UUID       `json:"buyer"`
	Seller        uuid.UUID       `json:"seller"`
	EnergyAmount  decimal.Decimal `json:"energy_amount"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	SellerZone    int             `json:"seller_zone"`
	BuyerZone     int             `json:"buyer_zone"`
}

// Executor turns matched trades into settlements: it computes the
// monetary breakdown, releases both escrows, records platform revenue
// and queues the external transfer, all in one local transaction.
type Executor struct {
	db          *gorm.DB
	ledger      *escrow.Ledger
	rates       *rates.Table
	notifier    notify.Notifier
	feeRate     decimal.Decimal
	maxAttempts int
	log         *logrus.Logger
}

func NewExecutor(
	db *gorm.DB,
	ledger *escrow.Ledger,
	rateTable *rates.Table,
	notifier notify.Notifier,
	feeRate decimal.Decimal,
	maxAttempts int,
	log *logrus.Logger,
) *Executor {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Executor{
		db:          db,
		ledger:      ledger,
		rates:       rateTable,
		notifier:    notifier,
		feeRate:     feeRate,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// reportUnsettleable tells the matching engine this match failed
// validation for good; the dead-lettered delivery carries the full
// event, this carries the reason in near real time.
func (e *Executor) reportUnsettleable(ctx context.Context, ev MatchEvent) {
	e.notifier.Publish(ctx, notify.EventMatchUnsettleable, ev.BuyOrderID, ev.EnergyAmount)
}

// Breakdown is the computed money/energy split for one match.
// Convention: loss cost is a recorded revenue line, not deducted from
// the seller's net. Net = gross - platform fee - transmission charge.
type Breakdown struct {
	Gross              decimal.Decimal
	PlatformFee        decimal.Decimal
	TransmissionCharge decimal.Decimal
	LossCost           decimal.Decimal
	EffectiveEnergy    decimal.Decimal
	Net                decimal.Decimal
}

// ComputeBreakdown derives the settlement amounts from a match and the
// effective zone rate.
func ComputeBreakdown(energy, price, feeRate decimal.Decimal, rate *model.ZoneRate) Breakdown {
	gross := energy.Mul(price)
	fee := gross.Mul(feeRate)
	transmission := energy.Mul(rate.WheelingCharge)
	lossCost := gross.Mul(rate.LossFactor)
	effective := energy.Mul(decimal.NewFromInt(1).Sub(rate.LossFactor))
	net := gross.Sub(fee).Sub(transmission)

	return Breakdown{
		Gross:              gross,
		PlatformFee:        fee,
		TransmissionCharge: transmission,
		LossCost:           lossCost,
		EffectiveEnergy:    effective,
		Net:                net,
	}
}

// Settle processes one match event. Exactly one settlement per
// (buy_order_id, sell_order_id) pair survives duplicate delivery.
func (e *Executor) Settle(ctx context.Context, ev MatchEvent) (*model.Settlement, error) {
	if ev.EnergyAmount.Sign() <= 0 || ev.ClearingPrice.Sign() <= 0 {
		e.reportUnsettleable(ctx, ev)
		return nil, fmt.Errorf("%w: non-positive amount or price", ErrUnsettleable)
	}

	rate, err := e.rates.Lookup(ctx, ev.SellerZone, ev.BuyerZone)
	if err != nil {
		if errors.Is(err, rates.ErrRateNotFound) {
			e.log.WithFields(logrus.Fields{
				"buy_order_id":  ev.BuyOrderID,
				"sell_order_id": ev.SellOrderID,
				"seller_zone":   ev.SellerZone,
				"buyer_zone":    ev.BuyerZone,
			}).Warn("no effective zone rate, match is unsettleable")
			e.reportUnsettleable(ctx, ev)
			return nil, fmt.Errorf("%w: %v", ErrUnsettleable, err)
		}
		return nil, err
	}

	b := ComputeBreakdown(ev.EnergyAmount, ev.ClearingPrice, e.feeRate, rate)

	stl := model.Settlement{
		ID:                 uuid.New(),
		Buyer:              ev.Buyer,
		Seller:             ev.Seller,
		BuyOrderID:         ev.BuyOrderID,
		SellOrderID:        ev.SellOrderID,
		EnergyAmount:       ev.EnergyAmount,
		PricePerUnit:       ev.ClearingPrice,
		GrossAmount:        b.Gross,
		PlatformFee:        b.PlatformFee,
		TransmissionCharge: b.TransmissionCharge,
		LossFactor:         rate.LossFactor,
		LossCost:           b.LossCost,
		EffectiveEnergy:    b.EffectiveEnergy,
		NetAmount:          b.Net,
		Status:             model.SettlementPending,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Settlement
		err := tx.Where("buy_order_id = ? AND sell_order_id = ?", ev.BuyOrderID, ev.SellOrderID).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: settlement %s", ErrDuplicateMatch, existing.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(&stl).Error; err != nil {
			// The unique index on the order pair backs the check above
			// against concurrent duplicate delivery.
			var raced model.Settlement
			if lookupErr := tx.Where("buy_order_id = ? AND sell_order_id = ?", ev.BuyOrderID, ev.SellOrderID).
				First(&raced).Error; lookupErr == nil {
				return fmt.Errorf("%w: settlement %s", ErrDuplicateMatch, raced.ID)
			}
			return err
		}

		if err := e.recordRevenue(tx, &stl); err != nil {
			return err
		}

		ledger := e.ledger.WithTx(tx)

		buyerEscrow, err := ledger.FindLockedByOrder(ctx, ev.BuyOrderID, model.AssetCurrency)
		if err != nil {
			return err
		}
		if err := ledger.Release(ctx, buyerEscrow.ID, b.Gross); err != nil {
			return err
		}

		sellerEscrow, err := ledger.FindLockedByOrder(ctx, ev.SellOrderID, model.AssetEnergy)
		if err != nil {
			return err
		}
		if err := ledger.Release(ctx, sellerEscrow.ID, ev.EnergyAmount); err != nil {
			return err
		}

		payload, err := json.Marshal(chain.SettlementTransferPayload{
			SettlementID: stl.ID,
			From:         ev.Buyer,
			To:           ev.Seller,
			NetAmount:    b.Net,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal transfer payload: %w", err)
		}

		op := model.PendingOperation{
			ID:            uuid.New(),
			OperationKind: model.OpSettlementTransfer,
			GroupKey:      stl.ID,
			Payload:       string(payload),
			Status:        model.OpPending,
			MaxAttempts:   e.maxAttempts,
			NextRetryAt:   time.Now(),
		}
		return tx.Create(&op).Error
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"settlement_id": stl.ID,
		"buyer":         ev.Buyer,
		"seller":        ev.Seller,
		"energy":        ev.EnergyAmount,
		"gross":         b.Gross,
		"net":           b.Net,
	}).Info("settlement created")

	return &stl, nil
}

func (e *Executor) recordRevenue(tx *gorm.DB, stl *model.Settlement) error {
	entries := []struct {
		amount decimal.Decimal
		kind   model.RevenueType
	}{
		{stl.PlatformFee, model.RevenuePlatformFee},
		{stl.TransmissionCharge, model.RevenueTransmissionCharge},
		{stl.LossCost, model.RevenueLossCost},
	}

	for _, entry := range entries {
		if entry.amount.Sign() <= 0 {
			continue
		}
		rec := model.RevenueEntry{
			ID:           uuid.New(),
			SettlementID: stl.ID,
			Amount:       entry.amount,
			RevenueType:  entry.kind,
			Description:  fmt.Sprintf("%s for settlement %s", entry.kind, stl.ID),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
	}
	return nil
}
