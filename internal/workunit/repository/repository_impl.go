package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sparlo/metering/internal/workunit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, unit *domain.WorkUnit) (bool, error) {
	if unit == nil {
		return false, nil
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO work_units (
			work_id, account_id, kind, status, parent_work_id, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (work_id) DO NOTHING`,
		unit.WorkID,
		unit.AccountID,
		unit.Kind,
		unit.Status,
		unit.ParentWorkID,
		unit.Metadata,
		unit.CreatedAt,
		unit.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, workID string) (*domain.WorkUnit, error) {
	var unit domain.WorkUnit
	err := db.WithContext(ctx).Where("work_id = ?", workID).Take(&unit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &unit, nil
}

func (r *repo) UpdateStatusFromRunning(ctx context.Context, db *gorm.DB, workID string, status domain.Status, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE work_units
		 SET status = ?, terminal_at = ?, updated_at = ?
		 WHERE work_id = ? AND status = ?`,
		status,
		now,
		now,
		workID,
		domain.StatusRunning,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListByParent(ctx context.Context, db *gorm.DB, parentWorkID string) ([]domain.WorkUnit, error) {
	var units []domain.WorkUnit
	err := db.WithContext(ctx).
		Where("parent_work_id = ?", parentWorkID).
		Order("created_at ASC").
		Find(&units).Error
	if err != nil {
		return nil, err
	}
	return units, nil
}
