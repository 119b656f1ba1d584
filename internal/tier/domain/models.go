package domain

import "time"

// AccountTier records which subscription tier an account is on.
type AccountTier struct {
	AccountID string    `gorm:"primaryKey;type:text" json:"account_id"`
	Tier      string    `gorm:"type:text;not null" json:"tier"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (AccountTier) TableName() string { return "account_tiers" }

// Limit is the resolved quota ceiling for an account.
type Limit struct {
	Tier        string `json:"tier"`
	TokensLimit int64  `json:"tokens_limit"`
}
