package repository

import (
	"context"
	"errors"

	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() tierdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID string) (*tierdomain.AccountTier, error) {
	var row tierdomain.AccountTier
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, tier *tierdomain.AccountTier) error {
	if tier == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO account_tiers (account_id, tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET tier = excluded.tier, updated_at = excluded.updated_at`,
		tier.AccountID,
		tier.Tier,
		tier.CreatedAt,
		tier.UpdatedAt,
	).Error
}
