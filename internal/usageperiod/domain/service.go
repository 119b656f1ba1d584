package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// GetOrCreateActivePeriod returns the live period, rolling over an expired
	// one and lazily creating a fresh period when none exists.
	GetOrCreateActivePeriod(ctx context.Context, accountID string, tokensLimit int64) (*UsagePeriod, error)
	// GetUsageSnapshot never writes.
	GetUsageSnapshot(ctx context.Context, accountID string) (UsageSnapshot, error)
	ListPeriods(ctx context.Context, accountID string, limit int) ([]UsagePeriod, error)
	// CompleteExpired marks up to limit expired active periods completed.
	CompleteExpired(ctx context.Context, limit int) ([]UsagePeriod, error)
}

type Repository interface {
	FindActive(ctx context.Context, db *gorm.DB, accountID string) (*UsagePeriod, error)
	InsertActive(ctx context.Context, db *gorm.DB, period *UsagePeriod) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsagePeriod, error)
	Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, inc Increment, now time.Time) (bool, error)
	SetCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, tokensLimit int64, tokensUsed int64, now time.Time) (bool, error)
	ListExpiredActive(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]UsagePeriod, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]UsagePeriod, error)
}

// SnapshotCache fronts GetUsageSnapshot. Implementations must tolerate
// backend failures by behaving as a miss.
type SnapshotCache interface {
	Get(ctx context.Context, accountID string) (UsageSnapshot, bool)
	Set(ctx context.Context, accountID string, snapshot UsageSnapshot)
	Invalidate(ctx context.Context, accountID string)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidTokensLimit = errors.New("invalid_tokens_limit")
	ErrPeriodContended    = errors.New("usage_period_contended")
)
