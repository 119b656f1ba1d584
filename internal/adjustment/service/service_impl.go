package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/adjustment/domain"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/authorization"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/observability/metrics"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"github.com/sparlo/metering/pkg/db"
	"github.com/sparlo/metering/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxPeriodAttempts = 2
	maxReasonLength   = 1024

	fieldTokensLimit = "tokens_limit"
	fieldTokensUsed  = "tokens_used"

	auditActionAdjusted = "usage.adjusted"
	auditTargetPeriod   = "usage_period"
)

var errPeriodStale = errors.New("period_stale")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Periods    usageperioddomain.Service
	PeriodRepo usageperioddomain.Repository
	Tiers      tierdomain.Service
	Authz      authorization.Service
	AuditSvc   auditdomain.Service             `optional:"true"`
	Snapshots  usageperioddomain.SnapshotCache `optional:"true"`
	Metrics    *metrics.Metrics                `optional:"true"`
	Events     events.Publisher                `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	periods    usageperioddomain.Service
	periodRepo usageperioddomain.Repository
	tiers      tierdomain.Service
	authz      authorization.Service
	auditSvc   auditdomain.Service
	snapshots  usageperioddomain.SnapshotCache
	metrics    *metrics.Metrics
	events     events.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("adjustment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		periods:    p.Periods,
		periodRepo: p.PeriodRepo,
		tiers:      p.Tiers,
		authz:      p.Authz,
		auditSvc:   p.AuditSvc,
		snapshots:  p.Snapshots,
		metrics:    p.Metrics,
		events:     p.Events,
	}
}

func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (*domain.UsageAdjustment, error) {
	req, err := validate(req)
	if err != nil {
		return nil, err
	}

	if req.TokensLimit != nil {
		if err := s.authz.Authorize(ctx, req.Actor, req.AccountID, authorization.ObjectUsagePeriod, authorization.ActionUsageAdjustLimit); err != nil {
			return nil, err
		}
	}
	if req.TokensUsed != nil || req.TokensUsedDelta != nil {
		if err := s.authz.Authorize(ctx, req.Actor, req.AccountID, authorization.ObjectUsagePeriod, authorization.ActionUsageAdjustUsed); err != nil {
			return nil, err
		}
	}

	limit, err := s.tiers.LimitFor(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxPeriodAttempts; attempt++ {
		period, err := s.periods.GetOrCreateActivePeriod(ctx, req.AccountID, limit.TokensLimit)
		if err != nil {
			return nil, err
		}
		adjustment, err := s.apply(ctx, req, period.ID)
		if errors.Is(err, errPeriodStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.afterAdjust(ctx, req, *adjustment)
		return adjustment, nil
	}
	return nil, domain.ErrPeriodUnavailable
}

func (s *Service) apply(ctx context.Context, req domain.AdjustRequest, periodID snowflake.ID) (*domain.UsageAdjustment, error) {
	var adjustment *domain.UsageAdjustment
	err := db.Transact(ctx, s.db, func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		period, err := s.periodRepo.LockByID(ctx, tx, periodID)
		if err != nil {
			return err
		}
		if period == nil || period.Status != usageperioddomain.StatusActive || period.Expired(now) {
			return errPeriodStale
		}

		newLimit := period.TokensLimit
		if req.TokensLimit != nil {
			newLimit = *req.TokensLimit
		}
		newUsed := period.TokensUsed
		switch {
		case req.TokensUsed != nil:
			newUsed = *req.TokensUsed
		case req.TokensUsedDelta != nil:
			delta := *req.TokensUsedDelta
			if delta > 0 && newUsed > math.MaxInt64-delta {
				return domain.ErrInvalidTokens
			}
			newUsed += delta
		}
		if newUsed < 0 {
			return domain.ErrInvalidTokens
		}

		ok, err := s.periodRepo.SetCounters(ctx, tx, period.ID, newLimit, newUsed, now)
		if err != nil {
			return err
		}
		if !ok {
			return errPeriodStale
		}

		metadata := datatypes.JSONMap{}
		for key, value := range req.Metadata {
			if key != "" {
				metadata[key] = value
			}
		}
		adjustment = &domain.UsageAdjustment{
			ID:                  s.genID.Generate(),
			AccountID:           req.AccountID,
			PeriodID:            period.ID,
			Actor:               req.Actor,
			Reason:              req.Reason,
			PreviousTokensLimit: period.TokensLimit,
			NewTokensLimit:      newLimit,
			PreviousTokensUsed:  period.TokensUsed,
			NewTokensUsed:       newUsed,
			Metadata:            metadata,
			CreatedAt:           now,
		}
		if err := s.repo.Insert(ctx, tx, adjustment); err != nil {
			return err
		}
		// a failed audit write rolls the override back
		return s.audit(ctx, tx, *adjustment)
	})
	if err != nil {
		return nil, err
	}
	return adjustment, nil
}

func (s *Service) afterAdjust(ctx context.Context, req domain.AdjustRequest, adj domain.UsageAdjustment) {
	s.log.Info("usage adjusted",
		zap.String("account_id", adj.AccountID),
		zap.String("period_id", adj.PeriodID.String()),
		zap.String("actor", adj.Actor),
		zap.Int64("previous_tokens_limit", adj.PreviousTokensLimit),
		zap.Int64("new_tokens_limit", adj.NewTokensLimit),
		zap.Int64("previous_tokens_used", adj.PreviousTokensUsed),
		zap.Int64("new_tokens_used", adj.NewTokensUsed),
	)
	if req.TokensLimit != nil {
		s.metrics.RecordAdjustment(ctx, fieldTokensLimit)
	}
	if req.TokensUsed != nil || req.TokensUsedDelta != nil {
		s.metrics.RecordAdjustment(ctx, fieldTokensUsed)
	}
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, adj.AccountID)
	}
	if s.events != nil {
		payload := adjustmentDetails(adj)
		payload["actor"] = adj.Actor
		payload["period_id"] = adj.PeriodID.String()
		_ = s.events.Publish(ctx, events.NewEvent(events.EventUsageAdjusted, adj.AccountID, payload))
	}
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, adj domain.UsageAdjustment) error {
	if s.auditSvc == nil {
		return nil
	}
	actorType, actorID := splitActor(adj.Actor)
	return s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
		AccountID:  adj.AccountID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     auditActionAdjusted,
		TargetType: auditTargetPeriod,
		TargetID:   adj.PeriodID.String(),
		Details:    adjustmentDetails(adj),
	})
}

func adjustmentDetails(adj domain.UsageAdjustment) map[string]any {
	return map[string]any{
		"adjustment_id":         adj.ID.String(),
		"reason":                adj.Reason,
		"previous_tokens_limit": adj.PreviousTokensLimit,
		"new_tokens_limit":      adj.NewTokensLimit,
		"previous_tokens_used":  adj.PreviousTokensUsed,
		"new_tokens_used":       adj.NewTokensUsed,
	}
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return domain.ListResponse{}, domain.ErrInvalidAccount
	}
	if err := s.authz.Authorize(ctx, strings.TrimSpace(req.Actor), req.AccountID, authorization.ObjectUsageAdjustment, authorization.ActionUsageAdjustmentView); err != nil {
		return domain.ListResponse{}, err
	}

	var cursor *domain.AdjustmentCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.AdjustmentCursor{ID: id, CreatedAt: createdAt.UTC()}
	}

	pageSize := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		AccountID: req.AccountID,
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPageInfo(items, pageSize, func(item *domain.UsageAdjustment) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	out := make([]domain.UsageAdjustment, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return domain.ListResponse{PageInfo: pageInfo, Adjustments: out}, nil
}

func validate(req domain.AdjustRequest) (domain.AdjustRequest, error) {
	if req.Version > domain.RequestVersion {
		return req, domain.ErrUnsupportedVersion
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return req, domain.ErrInvalidAccount
	}
	req.Actor = strings.TrimSpace(req.Actor)
	if req.Actor == "" {
		return req, domain.ErrInvalidActor
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" || len(req.Reason) > maxReasonLength {
		return req, domain.ErrInvalidReason
	}
	if req.TokensLimit == nil && req.TokensUsed == nil && req.TokensUsedDelta == nil {
		return req, domain.ErrEmptyAdjustment
	}
	if req.TokensUsed != nil && req.TokensUsedDelta != nil {
		return req, domain.ErrConflictingAdjustment
	}
	if req.TokensLimit != nil && *req.TokensLimit < 0 {
		return req, domain.ErrInvalidTokens
	}
	if req.TokensUsed != nil && *req.TokensUsed < 0 {
		return req, domain.ErrInvalidTokens
	}
	return req, nil
}

// splitActor turns "operator:<id>" into the audit actor columns.
func splitActor(actor string) (auditdomain.ActorType, string) {
	if id, ok := strings.CutPrefix(actor, "operator:"); ok && id != "" {
		return auditdomain.ActorTypeOperator, id
	}
	return auditdomain.ActorTypeSystem, ""
}
