package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Outcome is the terminal event that triggered a completion.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeCancelled
}

var keySuffixes = map[Outcome]string{
	OutcomeSuccess:   "completion",
	OutcomeFailure:   "failure",
	OutcomeCancelled: "cancelled",
}

// IdempotencyKey derives the per-outcome key, e.g. "work-1-completion".
func IdempotencyKey(workID string, outcome Outcome) string {
	suffix, ok := keySuffixes[outcome]
	if !ok {
		suffix = string(outcome)
	}
	return strings.TrimSpace(workID) + "-" + suffix
}

// OutcomeFromKey recovers the outcome from a derived key. Keys that do not
// follow the convention are treated as success.
func OutcomeFromKey(key string) Outcome {
	for outcome, suffix := range keySuffixes {
		if strings.HasSuffix(key, "-"+suffix) {
			return outcome
		}
	}
	return OutcomeSuccess
}

// CompletionRecord marks a work unit's usage as committed. It is written
// once and never mutated.
type CompletionRecord struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	IdempotencyKey string        `gorm:"type:text;not null" json:"idempotency_key"`
	AccountID      string        `gorm:"type:text;not null" json:"account_id"`
	WorkID         string        `gorm:"type:text;not null" json:"work_id"`
	PeriodID       *snowflake.ID `json:"period_id,omitempty"`
	Outcome        Outcome       `gorm:"type:text;not null" json:"outcome"`
	Kind           string        `gorm:"type:text;not null" json:"kind"`
	Tokens         int64         `gorm:"not null" json:"tokens"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
}

func (CompletionRecord) TableName() string { return "completion_records" }

type CompleteRequest struct {
	WorkID         string  `json:"work_id"`
	AccountID      string  `json:"account_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Outcome        Outcome `json:"outcome,omitempty"`
}

const ReasonUsageLimitReached = "usage_limit_reached"

// Rejection is returned instead of an error when the hard cap blocks a commit.
type Rejection struct {
	Reason      string `json:"reason"`
	CurrentUsed int64  `json:"current_used"`
	Limit       int64  `json:"limit"`
	HardCap     int64  `json:"hard_cap"`
	Requested   int64  `json:"requested"`
}

type Result struct {
	AlreadyProcessed bool       `json:"already_processed"`
	IdempotencyKey   string     `json:"idempotency_key"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	TotalTokens      int64      `json:"total_tokens"`
	NewTotal         int64      `json:"new_total,omitempty"`
	Rejection        *Rejection `json:"rejection,omitempty"`
}

func (r Result) Rejected() bool {
	return r.Rejection != nil
}
