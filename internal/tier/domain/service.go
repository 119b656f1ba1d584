package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Resolver maps an account to its current token ceiling.
type Resolver interface {
	LimitFor(ctx context.Context, accountID string) (Limit, error)
}

type Service interface {
	Resolver
	SetTier(ctx context.Context, accountID string, tier string) (Limit, error)
	OverageGrace() float64
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, accountID string) (*AccountTier, error)
	Upsert(ctx context.Context, db *gorm.DB, tier *AccountTier) error
}

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrUnknownTier    = errors.New("unknown_tier")
)
