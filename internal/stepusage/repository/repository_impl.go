package repository

import (
	"context"

	"github.com/sparlo/metering/internal/stepusage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert keeps the larger of the stored and incoming token counts so a
// redelivered or partial report can never shrink a step.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *domain.StepUsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO step_usage_records (
			id, work_id, account_id, step_name, tokens, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (work_id, step_name) DO UPDATE SET
			tokens = CASE
				WHEN excluded.tokens > step_usage_records.tokens THEN excluded.tokens
				ELSE step_usage_records.tokens
			END,
			updated_at = excluded.updated_at`,
		record.ID,
		record.WorkID,
		record.AccountID,
		record.StepName,
		record.Tokens,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) SumByWork(ctx context.Context, db *gorm.DB, workID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(tokens), 0) FROM step_usage_records WHERE work_id = ?`,
		workID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ListByWork(ctx context.Context, db *gorm.DB, workID string) ([]domain.StepUsageRecord, error) {
	var records []domain.StepUsageRecord
	err := db.WithContext(ctx).
		Where("work_id = ?", workID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
