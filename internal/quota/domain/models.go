package domain

import (
	"context"
	"errors"
	"time"
)

// CheckResult answers a pre-flight question. It is advisory: nothing is
// reserved, so concurrent callers can each pass and still overrun the limit.
type CheckResult struct {
	AccountID       string    `json:"account_id"`
	Tier            string    `json:"tier,omitempty"`
	Allowed         bool      `json:"allowed"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	TokensUsed      int64     `json:"tokens_used"`
	TokensLimit     int64     `json:"tokens_limit"`
	Remaining       int64     `json:"remaining"`
	Percentage      float64   `json:"percentage"`
	PeriodEnd       time.Time `json:"period_end"`
}

type Service interface {
	CheckAllowed(ctx context.Context, accountID string, estimatedTokens int64) (CheckResult, error)
}

var (
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidEstimate = errors.New("invalid_estimated_tokens")
)
