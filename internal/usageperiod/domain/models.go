// Package domain contains the billing-cycle usage accumulator.
package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// UsagePeriod is one account's consumption window over [PeriodStart, PeriodEnd).
type UsagePeriod struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID      string       `gorm:"type:text;not null" json:"account_id"`
	PeriodStart    time.Time    `gorm:"not null" json:"period_start"`
	PeriodEnd      time.Time    `gorm:"not null" json:"period_end"`
	TokensLimit    int64        `gorm:"not null" json:"tokens_limit"`
	TokensUsed     int64        `gorm:"not null" json:"tokens_used"`
	ReportsCount   int64        `gorm:"not null" json:"reports_count"`
	ChatTokensUsed int64        `gorm:"not null" json:"chat_tokens_used"`
	Status         Status       `gorm:"type:text;not null" json:"status"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (UsagePeriod) TableName() string { return "usage_periods" }

// Expired reports whether now has reached the exclusive period end.
func (p UsagePeriod) Expired(now time.Time) bool {
	return !now.Before(p.PeriodEnd)
}

// CycleBounds returns the calendar month containing now, in UTC.
func CycleBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Increment is the counter delta applied by a committed completion.
type Increment struct {
	Tokens     int64
	Reports    int64
	ChatTokens int64
}

// UsageSnapshot is the read model served to dashboards and pre-flight checks.
type UsageSnapshot struct {
	AccountID      string    `json:"account_id"`
	Tier           string    `json:"tier,omitempty"`
	TokensUsed     int64     `json:"tokens_used"`
	TokensLimit    int64     `json:"tokens_limit"`
	Remaining      int64     `json:"remaining"`
	Percentage     float64   `json:"percentage"`
	ReportsCount   int64     `json:"reports_count"`
	ChatTokensUsed int64     `json:"chat_tokens_used"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	HasPeriod      bool      `json:"has_period"`
}

// SnapshotFromPeriod derives the read model from a stored period.
func SnapshotFromPeriod(p UsagePeriod, tier string) UsageSnapshot {
	return UsageSnapshot{
		AccountID:      p.AccountID,
		Tier:           tier,
		TokensUsed:     p.TokensUsed,
		TokensLimit:    p.TokensLimit,
		Remaining:      Remaining(p.TokensUsed, p.TokensLimit),
		Percentage:     Percentage(p.TokensUsed, p.TokensLimit),
		ReportsCount:   p.ReportsCount,
		ChatTokensUsed: p.ChatTokensUsed,
		PeriodStart:    p.PeriodStart,
		PeriodEnd:      p.PeriodEnd,
		HasPeriod:      true,
	}
}

// EmptySnapshot is the zero-usage view for an account with no live period.
func EmptySnapshot(accountID, tier string, tokensLimit int64, now time.Time) UsageSnapshot {
	start, end := CycleBounds(now)
	return UsageSnapshot{
		AccountID:   accountID,
		Tier:        tier,
		TokensLimit: tokensLimit,
		Remaining:   Remaining(0, tokensLimit),
		Percentage:  Percentage(0, tokensLimit),
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

// Remaining never goes below zero, even when grace let usage pass the limit.
func Remaining(used, limit int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Percentage is capped at 100 and rounded to two decimals.
func Percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	pct := float64(used) / float64(limit) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return math.Round(pct*100) / 100
}
