package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// StepUsageRecord is the highest token count observed for one named step of
// a work unit. It is an audit record, never the source of billing totals on
// its own.
type StepUsageRecord struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkID    string       `gorm:"type:text;not null" json:"work_id"`
	AccountID string       `gorm:"type:text;not null" json:"account_id"`
	StepName  string       `gorm:"type:text;not null" json:"step_name"`
	Tokens    int64        `gorm:"not null" json:"tokens"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (StepUsageRecord) TableName() string { return "step_usage_records" }

// TokenUsage is what a model provider reports for a single call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Total prefers the provider's own total and falls back to input+output.
func (u TokenUsage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	total := u.InputTokens + u.OutputTokens
	if total < 0 {
		return 0
	}
	return total
}

// RecordRequest carries one step observation. Kind only matters when the
// step arrives before its work unit was started explicitly.
type RecordRequest struct {
	WorkID    string `json:"work_id"`
	AccountID string `json:"account_id"`
	StepName  string `json:"step_name"`
	Tokens    int64  `json:"tokens"`
	Kind      string `json:"kind,omitempty"`
}
