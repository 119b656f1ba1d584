package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/workunit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("workunit.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Start(ctx context.Context, req domain.StartRequest) (*domain.WorkUnit, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.KindReport
	}
	if !kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	workID := strings.TrimSpace(req.WorkID)
	if workID == "" {
		workID = uuid.NewString()
	}
	metadata, err := domain.NormalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	var parentID *string
	if req.ParentWorkID != nil {
		trimmed := strings.TrimSpace(*req.ParentWorkID)
		if trimmed != "" {
			parent, err := s.repo.Find(ctx, s.db, trimmed)
			if err != nil {
				return nil, err
			}
			if parent == nil {
				return nil, domain.ErrParentNotFound
			}
			if parent.AccountID != accountID {
				return nil, domain.ErrAccountMismatch
			}
			parentID = &trimmed
		}
	}

	now := s.clock.Now().UTC()
	unit := &domain.WorkUnit{
		WorkID:       workID,
		AccountID:    accountID,
		Kind:         kind,
		Status:       domain.StatusRunning,
		ParentWorkID: parentID,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s.insertOrLoad(ctx, s.db, unit)
}

func (s *Service) Ensure(ctx context.Context, tx *gorm.DB, workID string, accountID string, kind domain.Kind) (*domain.WorkUnit, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return nil, domain.ErrInvalidWorkID
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	if kind == "" {
		kind = domain.KindReport
	}
	if !kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if tx == nil {
		tx = s.db
	}

	metadata, _ := domain.NormalizeMetadata(nil)
	now := s.clock.Now().UTC()
	return s.insertOrLoad(ctx, tx, &domain.WorkUnit{
		WorkID:    workID,
		AccountID: accountID,
		Kind:      kind,
		Status:    domain.StatusRunning,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) insertOrLoad(ctx context.Context, db *gorm.DB, unit *domain.WorkUnit) (*domain.WorkUnit, error) {
	inserted, err := s.repo.InsertIgnore(ctx, db, unit)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Debug("work unit started",
			zap.String("work_id", unit.WorkID),
			zap.String("account_id", unit.AccountID),
			zap.String("kind", string(unit.Kind)),
		)
		return unit, nil
	}

	existing, err := s.repo.Find(ctx, db, unit.WorkID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrNotFound
	}
	if existing.AccountID != unit.AccountID {
		s.log.Warn("work unit account mismatch",
			zap.String("work_id", unit.WorkID),
			zap.String("account_id", unit.AccountID),
			zap.String("owner_account_id", existing.AccountID),
		)
		return nil, domain.ErrAccountMismatch
	}
	return existing, nil
}

func (s *Service) Get(ctx context.Context, workID string) (*domain.WorkUnit, error) {
	return s.GetTx(ctx, s.db, workID)
}

func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, workID string) (*domain.WorkUnit, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return nil, domain.ErrInvalidWorkID
	}
	if tx == nil {
		tx = s.db
	}
	unit, err := s.repo.Find(ctx, tx, workID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, domain.ErrNotFound
	}
	return unit, nil
}

func (s *Service) MarkTerminal(ctx context.Context, tx *gorm.DB, workID string, status domain.Status) (bool, error) {
	if !status.Terminal() {
		return false, domain.ErrInvalidStatus
	}
	if tx == nil {
		tx = s.db
	}
	ok, err := s.repo.UpdateStatusFromRunning(ctx, tx, workID, status, s.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Service) StartRetry(ctx context.Context, parentWorkID string, newWorkID string) (*domain.WorkUnit, error) {
	parent, err := s.Get(ctx, parentWorkID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrParentNotFound
		}
		return nil, err
	}
	if parent.Status != domain.StatusFailed && parent.Status != domain.StatusCancelled {
		return nil, domain.ErrNotRetryable
	}

	metadata := map[string]any{}
	for key, value := range parent.Metadata {
		metadata[key] = value
	}
	metadata["retry_of"] = parent.WorkID

	parentID := parent.WorkID
	unit, err := s.Start(ctx, domain.StartRequest{
		WorkID:       newWorkID,
		AccountID:    parent.AccountID,
		Kind:         parent.Kind,
		ParentWorkID: &parentID,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}
	if unit.ParentWorkID == nil || *unit.ParentWorkID != parent.WorkID {
		// newWorkID already names an unrelated unit
		return nil, domain.ErrNotRetryable
	}

	s.log.Info("work unit retry started",
		zap.String("work_id", unit.WorkID),
		zap.String("parent_work_id", parent.WorkID),
		zap.String("account_id", parent.AccountID),
	)
	return unit, nil
}

func (s *Service) ListChildren(ctx context.Context, workID string) ([]domain.WorkUnit, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return nil, domain.ErrInvalidWorkID
	}
	return s.repo.ListByParent(ctx, s.db, workID)
}
