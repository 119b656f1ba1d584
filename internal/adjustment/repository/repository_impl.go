package repository

import (
	"context"

	"github.com/sparlo/metering/internal/adjustment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, adjustment *domain.UsageAdjustment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_adjustments (
			id, account_id, period_id, actor, reason,
			previous_tokens_limit, new_tokens_limit, previous_tokens_used, new_tokens_used,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adjustment.ID,
		adjustment.AccountID,
		adjustment.PeriodID,
		adjustment.Actor,
		adjustment.Reason,
		adjustment.PreviousTokensLimit,
		adjustment.NewTokensLimit,
		adjustment.PreviousTokensUsed,
		adjustment.NewTokensUsed,
		adjustment.Metadata,
		adjustment.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.UsageAdjustment, error) {
	var items []*domain.UsageAdjustment
	stmt := db.WithContext(ctx).Model(&domain.UsageAdjustment{}).
		Where("account_id = ?", filter.AccountID)
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
