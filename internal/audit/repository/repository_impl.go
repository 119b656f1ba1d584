package repository

import (
	"context"
	"strings"

	"github.com/sparlo/metering/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	query := db.WithContext(ctx).
		Scopes(filterScopes(filter)...).
		Order("created_at DESC").
		Order("id DESC")
	if filter.Limit > 0 {
		// one extra row tells the caller whether another page exists
		query = query.Limit(filter.Limit + 1)
	}

	var out []*domain.AuditLog
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type scope = func(*gorm.DB) *gorm.DB

func equals(column, value string) scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(column+" = ?", value)
	}
}

func filterScopes(filter domain.ListFilter) []scope {
	var scopes []scope
	for _, field := range [...][2]string{
		{"account_id", filter.AccountID},
		{"action", filter.Action},
		{"target_type", filter.TargetType},
		{"actor_type", filter.ActorType},
	} {
		if value := strings.TrimSpace(field[1]); value != "" {
			scopes = append(scopes, equals(field[0], value))
		}
	}
	if from := filter.StartAt; from != nil {
		scopes = append(scopes, func(db *gorm.DB) *gorm.DB {
			return db.Where("created_at >= ?", from.UTC())
		})
	}
	if to := filter.EndAt; to != nil {
		scopes = append(scopes, func(db *gorm.DB) *gorm.DB {
			return db.Where("created_at <= ?", to.UTC())
		})
	}
	if after := filter.Cursor; after != nil {
		scopes = append(scopes, func(db *gorm.DB) *gorm.DB {
			return db.Where("created_at < ? OR (created_at = ? AND id < ?)", after.CreatedAt, after.CreatedAt, after.ID)
		})
	}
	return scopes
}
