package service

import (
	"context"
	"strings"

	"github.com/sparlo/metering/internal/observability/metrics"
	"github.com/sparlo/metering/internal/quota/domain"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Periods usageperioddomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	periods usageperioddomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("quota.service"),
		periods: p.Periods,
		metrics: p.Metrics,
	}
}

func (s *Service) CheckAllowed(ctx context.Context, accountID string, estimatedTokens int64) (domain.CheckResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.CheckResult{}, domain.ErrInvalidAccount
	}
	if estimatedTokens < 0 {
		return domain.CheckResult{}, domain.ErrInvalidEstimate
	}

	snapshot, err := s.periods.GetUsageSnapshot(ctx, accountID)
	if err != nil {
		return domain.CheckResult{}, err
	}

	// compared against the headroom so a huge estimate cannot wrap around
	allowed := snapshot.TokensUsed <= snapshot.TokensLimit &&
		estimatedTokens <= snapshot.TokensLimit-snapshot.TokensUsed
	result := domain.CheckResult{
		AccountID:       accountID,
		Tier:            snapshot.Tier,
		Allowed:         allowed,
		EstimatedTokens: estimatedTokens,
		TokensUsed:      snapshot.TokensUsed,
		TokensLimit:     snapshot.TokensLimit,
		Remaining:       snapshot.Remaining,
		Percentage:      snapshot.Percentage,
		PeriodEnd:       snapshot.PeriodEnd,
	}

	s.metrics.RecordQuotaCheck(ctx, snapshot.Tier, allowed)
	if !allowed {
		s.log.Info("pre-flight check denied",
			zap.String("account_id", accountID),
			zap.Int64("estimated_tokens", estimatedTokens),
			zap.Int64("tokens_used", snapshot.TokensUsed),
			zap.Int64("tokens_limit", snapshot.TokensLimit),
		)
	}
	return result, nil
}
