package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageAdjustment is the permanent record of a manual override. It is the
// only path by which tokens_used may go down.
type UsageAdjustment struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID           string            `gorm:"type:text;not null" json:"account_id"`
	PeriodID            snowflake.ID      `gorm:"not null" json:"period_id"`
	Actor               string            `gorm:"type:text;not null" json:"actor"`
	Reason              string            `gorm:"type:text;not null" json:"reason"`
	PreviousTokensLimit int64             `gorm:"not null" json:"previous_tokens_limit"`
	NewTokensLimit      int64             `gorm:"not null" json:"new_tokens_limit"`
	PreviousTokensUsed  int64             `gorm:"not null" json:"previous_tokens_used"`
	NewTokensUsed       int64             `gorm:"not null" json:"new_tokens_used"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
}

func (UsageAdjustment) TableName() string { return "usage_adjustments" }

// AdjustRequest changes the active period of AccountID. TokensUsed sets an
// absolute value and TokensUsedDelta a relative one; at most one may be set.
type AdjustRequest struct {
	Version         int            `json:"version"`
	AccountID       string         `json:"account_id"`
	Actor           string         `json:"-"`
	Reason          string         `json:"reason"`
	TokensLimit     *int64         `json:"tokens_limit,omitempty"`
	TokensUsed      *int64         `json:"tokens_used,omitempty"`
	TokensUsedDelta *int64         `json:"tokens_used_delta,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type AdjustmentCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	AccountID string
	Cursor    *AdjustmentCursor
	Limit     int
}
