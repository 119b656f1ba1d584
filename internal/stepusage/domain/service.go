package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Service interface {
	// RecordStepUsage stores req with max-merge semantics. Storage failures
	// are logged and reported as recorded=false; only invalid input returns
	// an error.
	RecordStepUsage(ctx context.Context, req RecordRequest) (recorded bool, err error)
	RecordCall(ctx context.Context, workID, accountID, stepName string, usage TokenUsage) (bool, error)
	SumByWork(ctx context.Context, tx *gorm.DB, workID string) (int64, error)
	ListByWork(ctx context.Context, workID string) ([]StepUsageRecord, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *StepUsageRecord) error
	SumByWork(ctx context.Context, db *gorm.DB, workID string) (int64, error)
	ListByWork(ctx context.Context, db *gorm.DB, workID string) ([]StepUsageRecord, error)
}

var (
	ErrInvalidWorkID   = errors.New("invalid_work_id")
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidStepName = errors.New("invalid_step_name")
	ErrInvalidTokens   = errors.New("invalid_tokens")
)
