package service

import (
	"context"
	"strings"

	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	"github.com/sparlo/metering/internal/reconcile/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	WorkUnits  workunitdomain.Service
	Completion completiondomain.Service
}

type Service struct {
	log        *zap.Logger
	workUnits  workunitdomain.Service
	completion completiondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("reconcile.service"),
		workUnits:  p.WorkUnits,
		completion: p.Completion,
	}
}

func (s *Service) Reconcile(ctx context.Context, workID string, outcome completiondomain.Outcome) (completiondomain.Result, error) {
	workID = strings.TrimSpace(workID)
	if !outcome.Valid() {
		return completiondomain.Result{}, domain.ErrInvalidOutcome
	}

	unit, err := s.workUnits.Get(ctx, workID)
	if err != nil {
		return completiondomain.Result{}, err
	}

	result, err := s.completion.CompleteUsage(ctx, completiondomain.CompleteRequest{
		WorkID:         unit.WorkID,
		AccountID:      unit.AccountID,
		IdempotencyKey: domain.IdempotencyKey(unit.WorkID, outcome),
		Outcome:        outcome,
	})
	if err != nil {
		return completiondomain.Result{}, err
	}

	if result.AlreadyProcessed && result.Outcome != outcome {
		s.log.Info("terminal outcome lost the race",
			zap.String("work_id", unit.WorkID),
			zap.String("requested", string(outcome)),
			zap.String("winner", string(result.Outcome)),
		)
	}
	return result, nil
}

func (s *Service) Retry(ctx context.Context, workID string, newWorkID string) (*workunitdomain.WorkUnit, error) {
	return s.workUnits.StartRetry(ctx, strings.TrimSpace(workID), strings.TrimSpace(newWorkID))
}
