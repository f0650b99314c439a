package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
)

// RevenueSummary aggregates the platform's revenue ledger for
// reconciliation.
type RevenueSummary struct {
	TotalRevenue        decimal.Decimal `json:"total_revenue"`
	PlatformFees        decimal.Decimal `json:"platform_fees"`
	TransmissionCharges decimal.Decimal `json:"transmission_charges"`
	LossCosts           decimal.Decimal `json:"loss_costs"`
	SettlementCount     int64           `json:"settlement_count"`
}

// RevenueSummary sums every revenue entry by type. Entries are
// append-only so the aggregate is reproducible at any point.
func (e *Executor) RevenueSummary(ctx context.Context) (*RevenueSummary, error) {
	var entries []model.RevenueEntry
	if err := e.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}

	summary := &RevenueSummary{}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		summary.TotalRevenue = summary.TotalRevenue.Add(entry.Amount)
		switch entry.RevenueType {
		case model.RevenuePlatformFee:
			summary.PlatformFees = summary.PlatformFees.Add(entry.Amount)
		case model.RevenueTransmissionCharge:
			summary.TransmissionCharges = summary.TransmissionCharges.Add(entry.Amount)
		case model.RevenueLossCost:
			summary.LossCosts = summary.LossCosts.Add(entry.Amount)
		}
		seen[entry.SettlementID.String()] = struct{}{}
	}
	summary.SettlementCount = int64(len(seen))

	return summary, nil
}
