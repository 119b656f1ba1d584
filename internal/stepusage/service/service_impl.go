package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/observability/metrics"
	"github.com/sparlo/metering/internal/stepusage/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"github.com/sparlo/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxStepNameLength = 128

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	WorkUnits workunitdomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
	Events    events.Publisher `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	workUnits workunitdomain.Service
	metrics   *metrics.Metrics
	events    events.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("stepusage.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		workUnits: p.WorkUnits,
		metrics:   p.Metrics,
		events:    p.Events,
	}
}

func (s *Service) RecordStepUsage(ctx context.Context, req domain.RecordRequest) (bool, error) {
	req.WorkID = strings.TrimSpace(req.WorkID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.StepName = strings.TrimSpace(req.StepName)
	if err := validate(req); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	record := &domain.StepUsageRecord{
		ID:        s.genID.Generate(),
		WorkID:    req.WorkID,
		AccountID: req.AccountID,
		StepName:  req.StepName,
		Tokens:    req.Tokens,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := db.Transact(ctx, s.db, func(tx *gorm.DB) error {
		if _, err := s.workUnits.Ensure(ctx, tx, req.WorkID, req.AccountID, workunitdomain.Kind(req.Kind)); err != nil {
			return err
		}
		return s.repo.Upsert(ctx, tx, record)
	})
	if err != nil {
		switch {
		case errors.Is(err, workunitdomain.ErrAccountMismatch),
			errors.Is(err, workunitdomain.ErrInvalidKind):
			return false, err
		}
		// best effort: the caller's work must not fail on an audit write
		s.log.Warn("step usage dropped",
			zap.String("work_id", req.WorkID),
			zap.String("account_id", req.AccountID),
			zap.String("step", req.StepName),
			zap.Int64("tokens", req.Tokens),
			zap.Error(err),
		)
		s.metrics.RecordStepUsageDropped(ctx, "storage")
		s.publishDropped(ctx, req, err)
		return false, nil
	}

	s.metrics.RecordStepUsage(ctx, req.StepName)
	s.log.Debug("step usage recorded",
		zap.String("work_id", req.WorkID),
		zap.String("step", req.StepName),
		zap.Int64("tokens", req.Tokens),
	)
	return true, nil
}

func (s *Service) RecordCall(ctx context.Context, workID, accountID, stepName string, usage domain.TokenUsage) (bool, error) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 || usage.TotalTokens < 0 {
		return false, domain.ErrInvalidTokens
	}
	return s.RecordStepUsage(ctx, domain.RecordRequest{
		WorkID:    workID,
		AccountID: accountID,
		StepName:  stepName,
		Tokens:    usage.Total(),
	})
}

func (s *Service) SumByWork(ctx context.Context, tx *gorm.DB, workID string) (int64, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return 0, domain.ErrInvalidWorkID
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.SumByWork(ctx, tx, workID)
}

func (s *Service) ListByWork(ctx context.Context, workID string) ([]domain.StepUsageRecord, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return nil, domain.ErrInvalidWorkID
	}
	return s.repo.ListByWork(ctx, s.db, workID)
}

func (s *Service) publishDropped(ctx context.Context, req domain.RecordRequest, cause error) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, events.NewEvent(events.EventStepUsageDropped, req.AccountID, map[string]any{
		"work_id": req.WorkID,
		"step":    req.StepName,
		"tokens":  req.Tokens,
		"error":   cause.Error(),
	}))
}

func validate(req domain.RecordRequest) error {
	if req.WorkID == "" {
		return domain.ErrInvalidWorkID
	}
	if req.AccountID == "" {
		return domain.ErrInvalidAccount
	}
	if req.StepName == "" || len(req.StepName) > maxStepNameLength {
		return domain.ErrInvalidStepName
	}
	if req.Tokens < 0 {
		return domain.ErrInvalidTokens
	}
	return nil
}
