package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/usageperiod/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, accountID string) (*domain.UsagePeriod, error) {
	var period domain.UsagePeriod
	err := db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, domain.StatusActive).
		Take(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

// InsertActive reports false when another active period already holds the
// per-account unique slot.
func (r *repo) InsertActive(ctx context.Context, db *gorm.DB, period *domain.UsagePeriod) (bool, error) {
	if period == nil {
		return false, nil
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_periods (
			id, account_id, period_start, period_end, tokens_limit, tokens_used,
			reports_count, chat_tokens_used, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		period.ID,
		period.AccountID,
		period.PeriodStart,
		period.PeriodEnd,
		period.TokensLimit,
		period.TokensUsed,
		period.ReportsCount,
		period.ChatTokensUsed,
		period.Status,
		period.CreatedAt,
		period.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted,
		now,
		id,
		domain.StatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// LockByID takes a row lock on postgres. sqlite ignores the locking clause
// and relies on its single writer.
func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.UsagePeriod, error) {
	var period domain.UsagePeriod
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, inc domain.Increment, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET tokens_used = tokens_used + ?,
		     reports_count = reports_count + ?,
		     chat_tokens_used = chat_tokens_used + ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		inc.Tokens,
		inc.Reports,
		inc.ChatTokens,
		now,
		id,
		domain.StatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, tokensLimit int64, tokensUsed int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET tokens_limit = ?, tokens_used = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		tokensLimit,
		tokensUsed,
		now,
		id,
		domain.StatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListExpiredActive(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.UsagePeriod, error) {
	if limit <= 0 {
		limit = 100
	}
	var periods []domain.UsagePeriod
	err := db.WithContext(ctx).
		Where("status = ? AND period_end <= ?", domain.StatusActive, now).
		Order("period_end ASC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]domain.UsagePeriod, error) {
	if limit <= 0 {
		limit = 12
	}
	var periods []domain.UsagePeriod
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("period_start DESC, id DESC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}
