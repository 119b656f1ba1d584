package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/events"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"github.com/sparlo/metering/internal/usageperiod/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Losing the insert race more than this many times in a row means something
// other than a concurrent creator is holding the active slot.
const maxCreateAttempts = 3

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Tiers     tierdomain.Resolver
	Snapshots domain.SnapshotCache `optional:"true"`
	Events    events.Publisher     `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	tiers     tierdomain.Resolver
	snapshots domain.SnapshotCache
	events    events.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("usageperiod.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		tiers:     p.Tiers,
		snapshots: p.Snapshots,
		events:    p.Events,
	}
}

func (s *Service) GetOrCreateActivePeriod(ctx context.Context, accountID string, tokensLimit int64) (*domain.UsagePeriod, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	if tokensLimit < 0 {
		return nil, domain.ErrInvalidTokensLimit
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		now := s.clock.Now().UTC()

		active, err := s.repo.FindActive(ctx, s.db, accountID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			if !active.Expired(now) {
				return active, nil
			}
			if err := s.rollOver(ctx, *active, now); err != nil {
				return nil, err
			}
		}

		start, end := domain.CycleBounds(now)
		period := &domain.UsagePeriod{
			ID:          s.genID.Generate(),
			AccountID:   accountID,
			PeriodStart: start,
			PeriodEnd:   end,
			TokensLimit: tokensLimit,
			Status:      domain.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := s.repo.InsertActive(ctx, s.db, period)
		if err != nil {
			return nil, err
		}
		if inserted {
			s.log.Info("usage period created",
				zap.String("account_id", accountID),
				zap.String("period_id", period.ID.String()),
				zap.Time("period_start", start),
				zap.Time("period_end", end),
				zap.Int64("tokens_limit", tokensLimit),
			)
			return period, nil
		}
		// another caller created it first; re-select
	}

	s.log.Warn("usage period creation contended", zap.String("account_id", accountID))
	return nil, domain.ErrPeriodContended
}

func (s *Service) GetUsageSnapshot(ctx context.Context, accountID string) (domain.UsageSnapshot, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.UsageSnapshot{}, domain.ErrInvalidAccount
	}

	now := s.clock.Now().UTC()
	if s.snapshots != nil {
		if cached, ok := s.snapshots.Get(ctx, accountID); ok {
			if now.Before(cached.PeriodEnd) {
				return cached, nil
			}
			s.snapshots.Invalidate(ctx, accountID)
		}
	}

	limit, err := s.tiers.LimitFor(ctx, accountID)
	if err != nil {
		return domain.UsageSnapshot{}, err
	}

	active, err := s.repo.FindActive(ctx, s.db, accountID)
	if err != nil {
		return domain.UsageSnapshot{}, err
	}

	var snapshot domain.UsageSnapshot
	if active == nil || active.Expired(now) {
		// the rollover happens on the next write, not here
		snapshot = domain.EmptySnapshot(accountID, limit.Tier, limit.TokensLimit, now)
	} else {
		snapshot = domain.SnapshotFromPeriod(*active, limit.Tier)
	}

	if s.snapshots != nil {
		s.snapshots.Set(ctx, accountID, snapshot)
	}
	return snapshot, nil
}

func (s *Service) ListPeriods(ctx context.Context, accountID string, limit int) ([]domain.UsagePeriod, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	return s.repo.ListByAccount(ctx, s.db, accountID, limit)
}

func (s *Service) CompleteExpired(ctx context.Context, limit int) ([]domain.UsagePeriod, error) {
	now := s.clock.Now().UTC()
	expired, err := s.repo.ListExpiredActive(ctx, s.db, now, limit)
	if err != nil {
		return nil, err
	}

	completed := make([]domain.UsagePeriod, 0, len(expired))
	for _, period := range expired {
		ok, err := s.repo.MarkCompleted(ctx, s.db, period.ID, now)
		if err != nil {
			return completed, err
		}
		if !ok {
			continue
		}
		period.Status = domain.StatusCompleted
		period.UpdatedAt = now
		completed = append(completed, period)
		s.publishRollover(ctx, period)
	}
	return completed, nil
}

func (s *Service) rollOver(ctx context.Context, period domain.UsagePeriod, now time.Time) error {
	ok, err := s.repo.MarkCompleted(ctx, s.db, period.ID, now)
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("usage period rolled over",
			zap.String("account_id", period.AccountID),
			zap.String("period_id", period.ID.String()),
			zap.Int64("tokens_used", period.TokensUsed),
		)
		s.publishRollover(ctx, period)
	}
	return nil
}

func (s *Service) publishRollover(ctx context.Context, period domain.UsagePeriod) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, events.NewEvent(events.EventPeriodRolledOver, period.AccountID, map[string]any{
		"period_id":     period.ID.String(),
		"period_start":  period.PeriodStart,
		"period_end":    period.PeriodEnd,
		"tokens_used":   period.TokensUsed,
		"tokens_limit":  period.TokensLimit,
		"reports_count": period.ReportsCount,
	}))
}
