package repository

import (
	"context"
	"errors"

	"github.com/sparlo/metering/internal/completion/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertIgnore reports false when the key or the work unit already has a
// completion record.
func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, record *domain.CompletionRecord) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO completion_records (
			id, idempotency_key, account_id, work_id, period_id, outcome, kind, tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		record.ID,
		record.IdempotencyKey,
		record.AccountID,
		record.WorkID,
		record.PeriodID,
		record.Outcome,
		record.Kind,
		record.Tokens,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.CompletionRecord, error) {
	return r.findOne(ctx, db, "idempotency_key = ?", key)
}

func (r *repo) FindByWork(ctx context.Context, db *gorm.DB, workID string) (*domain.CompletionRecord, error) {
	return r.findOne(ctx, db, "work_id = ?", workID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, arg any) (*domain.CompletionRecord, error) {
	var record domain.CompletionRecord
	err := db.WithContext(ctx).Where(query, arg).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
