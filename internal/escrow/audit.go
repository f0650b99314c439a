package escrow

import (
	"context"

	"github.com/google/uuid"

	"settlement-service/internal/model"
)

// AuditView is the read-only escrow/settlement picture for one account,
// exposed to operations tooling.
type AuditView struct {
	Balance     model.Balance        `json:"balance"`
	Escrows     []model.EscrowRecord `json:"escrows"`
	Settlements []model.Settlement   `json:"settlements"`
}

// Audit returns every escrow record and settlement touching the account,
// newest first, together with its current balance.
func (l *Ledger) Audit(ctx context.Context, owner uuid.UUID) (*AuditView, error) {
	balance, err := l.GetBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	var escrows []model.EscrowRecord
	if err := l.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at DESC").
		Find(&escrows).Error; err != nil {
		return nil, err
	}

	var settlements []model.Settlement
	if err := l.db.WithContext(ctx).
		Where("buyer = ? OR seller = ?", owner, owner).
		Order("created_at DESC").
		Find(&settlements).Error; err != nil {
		return nil, err
	}

	return &AuditView{
		Balance:     *balance,
		Escrows:     escrows,
		Settlements: settlements,
	}, nil
}
