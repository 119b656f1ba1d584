package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Service interface {
	// CompleteUsage commits the summed step ledger of a work unit to the
	// account's active period at most once per work unit. A hard-cap
	// rejection is reported through Result, not as an error.
	CompleteUsage(ctx context.Context, req CompleteRequest) (Result, error)
	FindByKey(ctx context.Context, key string) (*CompletionRecord, error)
	FindByWork(ctx context.Context, workID string) (*CompletionRecord, error)
}

type Repository interface {
	InsertIgnore(ctx context.Context, db *gorm.DB, record *CompletionRecord) (bool, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*CompletionRecord, error)
	FindByWork(ctx context.Context, db *gorm.DB, workID string) (*CompletionRecord, error)
}

var (
	ErrInvalidWorkID         = errors.New("invalid_work_id")
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidOutcome        = errors.New("invalid_outcome")
	ErrNotFound              = errors.New("completion_not_found")
	ErrAccountMismatch       = errors.New("completion_account_mismatch")
	// ErrPeriodUnavailable means the active period kept rolling over under
	// the commit. The call is safe to retry.
	ErrPeriodUnavailable = errors.New("usage_period_unavailable")
)
