package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlement-service/internal/model"
)

var ErrOperationNotRetryable = errors.New("operation is not in a retryable state")

// ListFailed returns operations an operator needs to look at: exhausted
// retries plus anything still waiting on its next retry slot.
func (c *Coordinator) ListFailed(ctx context.Context) ([]model.PendingOperation, error) {
	var ops []model.PendingOperation
	err := c.db.WithContext(ctx).
		Where("status IN ?", []model.OperationStatus{model.OpFailed, model.OpMaxRetries}).
		Order("updated_at DESC").
		Find(&ops).Error
	return ops, err
}

// RetryOperation puts a failed or exhausted operation back at the front
// of the queue with a fresh attempt budget.
func (c *Coordinator) RetryOperation(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	res := c.db.WithContext(ctx).Model(&model.PendingOperation{}).
		Where("id = ? AND status IN ?", id,
			[]model.OperationStatus{model.OpFailed, model.OpMaxRetries}).
		Updates(map[string]interface{}{
			"status":        model.OpPending,
			"attempt_count": 0,
			"next_retry_at": now,
			"last_error":    "",
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var op model.PendingOperation
		if err := c.db.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return gorm.ErrRecordNotFound
			}
			return err
		}
		return ErrOperationNotRetryable
	}
	c.log.WithField("operation_id", id).Info("operation manually requeued")
	return nil
}

// Stats reports queue depth per status.
func (c *Coordinator) Stats(ctx context.Context) (map[model.OperationStatus]int64, error) {
	type row struct {
		Status model.OperationStatus
		Count  int64
	}
	var rows []row
	err := c.db.WithContext(ctx).Model(&model.PendingOperation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := make(map[model.OperationStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}
