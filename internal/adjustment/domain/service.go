package domain

import (
	"context"
	"errors"

	"github.com/sparlo/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

// RequestVersion is the newest AdjustRequest layout accepted.
const RequestVersion = 1

type ListRequest struct {
	pagination.Pagination
	AccountID string
	Actor     string
}

type ListResponse struct {
	pagination.PageInfo
	Adjustments []UsageAdjustment `json:"adjustments"`
}

type Service interface {
	// Adjust authorizes Actor before touching the period; a denied caller
	// always gets an error and nothing is written.
	Adjust(ctx context.Context, req AdjustRequest) (*UsageAdjustment, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, adjustment *UsageAdjustment) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*UsageAdjustment, error)
}

var (
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidActor          = errors.New("invalid_actor")
	ErrInvalidReason         = errors.New("invalid_reason")
	ErrEmptyAdjustment       = errors.New("empty_adjustment")
	ErrConflictingAdjustment = errors.New("conflicting_adjustment")
	ErrInvalidTokens         = errors.New("invalid_tokens")
	ErrUnsupportedVersion    = errors.New("unsupported_version")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrPeriodUnavailable     = errors.New("usage_period_unavailable")
)
