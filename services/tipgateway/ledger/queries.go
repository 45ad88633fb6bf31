package ledger

import (
	"context"

	"github.com/google/uuid"

	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/models"
)

// Summary aggregates a creator's completed tips.
type Summary struct {
	CompletedCount int64
	CompletedCents int64
	PendingCount   int64
}

// Summary totals the creator's tips by status.
func (l *Ledger) Summary(ctx context.Context, creatorID uuid.UUID) (Summary, error) {
	var rows []struct {
		Status models.TipStatus
		Count  int64
		Cents  int64
	}
	err := l.db.WithContext(ctx).Model(&models.Tip{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount_cents), 0) AS cents").
		Where("creator_id = ?", creatorID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, apperr.Persistence("ledger.summary", err)
	}
	var out Summary
	for _, row := range rows {
		switch row.Status {
		case models.TipStatusCompleted:
			out.CompletedCount = row.Count
			out.CompletedCents = row.Cents
		case models.TipStatusPending:
			out.PendingCount = row.Count
		}
	}
	return out, nil
}

// RecentTips returns the creator's most recently completed tips, newest first.
func (l *Ledger) RecentTips(ctx context.Context, creatorID uuid.UUID, limit int) ([]models.Tip, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	var tips []models.Tip
	err := l.db.WithContext(ctx).
		Where("creator_id = ? AND status = ?", creatorID, models.TipStatusCompleted).
		Order("completed_at DESC").
		Limit(limit).
		Find(&tips).Error
	if err != nil {
		return nil, apperr.Persistence("ledger.recent_tips", err)
	}
	return tips, nil
}

// ByPaymentReference loads a tip by its processor reference.
func (l *Ledger) ByPaymentReference(ctx context.Context, reference string) (*models.Tip, error) {
	var tip models.Tip
	res := l.db.WithContext(ctx).Where("payment_reference = ?", reference).Limit(1).Find(&tip)
	if res.Error != nil {
		return nil, apperr.Persistence("ledger.by_payment_reference", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.TipNotFound("ledger.by_payment_reference", reference)
	}
	return &tip, nil
}
