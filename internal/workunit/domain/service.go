package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type StartRequest struct {
	WorkID       string         `json:"work_id"`
	AccountID    string         `json:"account_id"`
	Kind         Kind           `json:"kind"`
	ParentWorkID *string        `json:"parent_work_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type Service interface {
	// Start registers a work unit. Starting an existing id for the same
	// account returns the stored unit unchanged.
	Start(ctx context.Context, req StartRequest) (*WorkUnit, error)
	// Ensure is Start on the caller's transaction, used when step usage
	// arrives before an explicit start.
	Ensure(ctx context.Context, tx *gorm.DB, workID string, accountID string, kind Kind) (*WorkUnit, error)
	Get(ctx context.Context, workID string) (*WorkUnit, error)
	GetTx(ctx context.Context, tx *gorm.DB, workID string) (*WorkUnit, error)
	// MarkTerminal moves a running unit to status. Only the first terminal
	// transition wins; later ones report false.
	MarkTerminal(ctx context.Context, tx *gorm.DB, workID string, status Status) (bool, error)
	// StartRetry opens a fresh unit for a failed or cancelled parent. The
	// parent's ledger and completion stay untouched.
	StartRetry(ctx context.Context, parentWorkID string, newWorkID string) (*WorkUnit, error)
	ListChildren(ctx context.Context, workID string) ([]WorkUnit, error)
}

type Repository interface {
	InsertIgnore(ctx context.Context, db *gorm.DB, unit *WorkUnit) (bool, error)
	Find(ctx context.Context, db *gorm.DB, workID string) (*WorkUnit, error)
	UpdateStatusFromRunning(ctx context.Context, db *gorm.DB, workID string, status Status, now time.Time) (bool, error)
	ListByParent(ctx context.Context, db *gorm.DB, parentWorkID string) ([]WorkUnit, error)
}

var (
	ErrInvalidWorkID              = errors.New("invalid_work_id")
	ErrInvalidAccount             = errors.New("invalid_account")
	ErrInvalidKind                = errors.New("invalid_kind")
	ErrInvalidStatus              = errors.New("invalid_status")
	ErrInvalidMetadata            = errors.New("invalid_metadata")
	ErrUnsupportedMetadataVersion = errors.New("unsupported_metadata_version")
	ErrNotFound                   = errors.New("work_unit_not_found")
	ErrAccountMismatch            = errors.New("work_unit_account_mismatch")
	ErrParentNotFound             = errors.New("parent_work_unit_not_found")
	ErrNotRetryable               = errors.New("work_unit_not_retryable")
)
