package service

import (
	"context"
	"strings"
	"time"

	"github.com/sparlo/metering/internal/cache"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/config"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const accountTierTTL = 30 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Quota *config.QuotaConfigHolder
	Repo  tierdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	quota *config.QuotaConfigHolder
	repo  tierdomain.Repository

	// caches the tier name only; limits are read from the live quota config
	tiers cache.Cache[string, string]
}

func NewService(p Params) tierdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		clock: p.Clock,
		quota: p.Quota,
		repo:  p.Repo,
		tiers: cache.NewTTLCache[string, string](),
	}
}

func (s *Service) LimitFor(ctx context.Context, accountID string) (tierdomain.Limit, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return tierdomain.Limit{}, tierdomain.ErrInvalidAccount
	}

	tierName, ok := s.tiers.Get(accountID)
	if !ok {
		row, err := s.repo.Find(ctx, s.db, accountID)
		if err != nil {
			return tierdomain.Limit{}, err
		}
		if row != nil {
			tierName = row.Tier
		}
		s.tiers.Set(accountID, tierName, accountTierTTL)
	}

	name, limit := s.quota.Get().LimitFor(tierName)
	if name == "" {
		return tierdomain.Limit{}, tierdomain.ErrUnknownTier
	}
	return tierdomain.Limit{Tier: name, TokensLimit: limit}, nil
}

// SetTier records the account's tier. The ceiling of the active period is
// left alone; the new limit applies from the next period onwards.
func (s *Service) SetTier(ctx context.Context, accountID string, tier string) (tierdomain.Limit, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return tierdomain.Limit{}, tierdomain.ErrInvalidAccount
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if !s.knownTier(tier) {
		return tierdomain.Limit{}, tierdomain.ErrUnknownTier
	}

	now := s.clock.Now().UTC()
	if err := s.repo.Upsert(ctx, s.db, &tierdomain.AccountTier{
		AccountID: accountID,
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return tierdomain.Limit{}, err
	}
	s.tiers.Delete(accountID)

	s.log.Info("account tier updated", zap.String("account_id", accountID), zap.String("tier", tier))

	_, limit := s.quota.Get().LimitFor(tier)
	return tierdomain.Limit{Tier: tier, TokensLimit: limit}, nil
}

func (s *Service) OverageGrace() float64 {
	return s.quota.Get().OverageGrace
}

func (s *Service) knownTier(tier string) bool {
	for _, t := range s.quota.Get().Tiers {
		if strings.EqualFold(t.Name, tier) {
			return true
		}
	}
	return false
}
