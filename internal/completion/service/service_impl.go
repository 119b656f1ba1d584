package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/completion/domain"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/observability/metrics"
	quotadomain "github.com/sparlo/metering/internal/quota/domain"
	stepusagedomain "github.com/sparlo/metering/internal/stepusage/domain"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"github.com/sparlo/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// The period can roll over between resolving it and locking it. One retry
// covers a month boundary; a second failure is reported to the caller.
const maxPeriodAttempts = 2

const (
	resultCommitted = "committed"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
)

// sentinels used to roll the transaction back
var (
	errAlreadyProcessed = errors.New("already_processed")
	errRejected         = errors.New("rejected")
	errPeriodStale      = errors.New("period_stale")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Periods    usageperioddomain.Service
	PeriodRepo usageperioddomain.Repository
	Steps      stepusagedomain.Service
	WorkUnits  workunitdomain.Service
	Tiers      tierdomain.Service
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
	steps      stepusagedomain.Service
	workUnits  workunitdomain.Service
	tiers      tierdomain.Service
	snapshots  usageperioddomain.SnapshotCache
	metrics    *metrics.Metrics
	events     events.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("completion.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		periods:    p.Periods,
		periodRepo: p.PeriodRepo,
		steps:      p.Steps,
		workUnits:  p.WorkUnits,
		tiers:      p.Tiers,
		snapshots:  p.Snapshots,
		metrics:    p.Metrics,
		events:     p.Events,
	}
}

// commitPlan is what a single transaction attempt needs to know up front.
type commitPlan struct {
	req      domain.CompleteRequest
	periodID snowflake.ID
	grace    float64
}

func (s *Service) CompleteUsage(ctx context.Context, req domain.CompleteRequest) (domain.Result, error) {
	req, err := normalize(req)
	if err != nil {
		return domain.Result{}, err
	}

	prior, err := s.findPrior(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if prior != nil {
		return s.alreadyProcessed(ctx, *prior), nil
	}

	limit, err := s.tiers.LimitFor(ctx, req.AccountID)
	if err != nil {
		return domain.Result{}, err
	}
	grace := s.tiers.OverageGrace()

	for attempt := 0; attempt < maxPeriodAttempts; attempt++ {
		// resolved outside the transaction; the lock below re-validates it
		period, err := s.periods.GetOrCreateActivePeriod(ctx, req.AccountID, limit.TokensLimit)
		if err != nil {
			return domain.Result{}, err
		}

		result, err := s.commit(ctx, commitPlan{req: req, periodID: period.ID, grace: grace})
		if errors.Is(err, errPeriodStale) {
			s.log.Info("usage period changed during completion, retrying",
				zap.String("account_id", req.AccountID),
				zap.String("work_id", req.WorkID),
				zap.String("period_id", period.ID.String()),
			)
			continue
		}
		return result, err
	}

	return domain.Result{}, domain.ErrPeriodUnavailable
}

func (s *Service) commit(ctx context.Context, plan commitPlan) (domain.Result, error) {
	req := plan.req
	var (
		result domain.Result
		record *domain.CompletionRecord
		kind   workunitdomain.Kind
	)

	err := db.Transact(ctx, s.db, func(tx *gorm.DB) error {
		unit, err := s.workUnits.Ensure(ctx, tx, req.WorkID, req.AccountID, "")
		if err != nil {
			return err
		}
		kind = unit.Kind

		total, err := s.steps.SumByWork(ctx, tx, req.WorkID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		periodID := plan.periodID
		record = &domain.CompletionRecord{
			ID:             s.genID.Generate(),
			IdempotencyKey: req.IdempotencyKey,
			AccountID:      req.AccountID,
			WorkID:         req.WorkID,
			PeriodID:       &periodID,
			Outcome:        req.Outcome,
			Kind:           string(kind),
			Tokens:         total,
			CreatedAt:      now,
		}
		// the unique key and work id make this insert the race arbiter
		inserted, err := s.repo.InsertIgnore(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyProcessed
		}

		period, err := s.periodRepo.LockByID(ctx, tx, plan.periodID)
		if err != nil {
			return err
		}
		if period == nil || period.Status != usageperioddomain.StatusActive || period.Expired(now) {
			return errPeriodStale
		}

		decision := quotadomain.EvaluateHardCap(period.TokensUsed, total, period.TokensLimit, plan.grace)
		if !decision.Allowed {
			result = domain.Result{
				IdempotencyKey: req.IdempotencyKey,
				Outcome:        req.Outcome,
				TotalTokens:    total,
				Rejection: &domain.Rejection{
					Reason:      domain.ReasonUsageLimitReached,
					CurrentUsed: decision.CurrentUsed,
					Limit:       decision.Limit,
					HardCap:     decision.HardCap,
					Requested:   decision.Requested,
				},
			}
			return errRejected
		}

		ok, err := s.periodRepo.Increment(ctx, tx, period.ID, incrementFor(kind, req.Outcome, total), now)
		if err != nil {
			return err
		}
		if !ok {
			return errPeriodStale
		}

		marked, err := s.workUnits.MarkTerminal(ctx, tx, req.WorkID, terminalStatus(req.Outcome))
		if err != nil {
			return err
		}
		if !marked {
			s.log.Warn("work unit already terminal at commit",
				zap.String("work_id", req.WorkID),
				zap.String("outcome", string(req.Outcome)),
			)
		}

		result = domain.Result{
			IdempotencyKey: req.IdempotencyKey,
			Outcome:        req.Outcome,
			TotalTokens:    total,
			NewTotal:       period.TokensUsed + total,
		}
		return nil
	})

	switch {
	case err == nil:
		s.afterCommit(ctx, req, kind, *record, result)
		return result, nil
	case errors.Is(err, errRejected):
		s.afterReject(ctx, req, kind, result)
		return result, nil
	case errors.Is(err, errAlreadyProcessed):
		prior, findErr := s.findPrior(ctx, req)
		if findErr != nil {
			return domain.Result{}, findErr
		}
		if prior == nil {
			// the conflicting row belongs to a transaction we cannot see yet
			return domain.Result{}, domain.ErrPeriodUnavailable
		}
		return s.alreadyProcessed(ctx, *prior), nil
	case errors.Is(err, errPeriodStale):
		return domain.Result{}, err
	case errors.Is(err, workunitdomain.ErrAccountMismatch):
		return domain.Result{}, domain.ErrAccountMismatch
	default:
		s.log.Error("completion commit failed",
			zap.String("account_id", req.AccountID),
			zap.String("work_id", req.WorkID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
		return domain.Result{}, err
	}
}

// findPrior returns the record that already billed this key or this work unit.
func (s *Service) findPrior(ctx context.Context, req domain.CompleteRequest) (*domain.CompletionRecord, error) {
	prior, err := s.repo.FindByKey(ctx, s.db, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		prior, err = s.repo.FindByWork(ctx, s.db, req.WorkID)
		if err != nil {
			return nil, err
		}
	}
	if prior != nil && prior.AccountID != req.AccountID {
		return nil, domain.ErrAccountMismatch
	}
	return prior, nil
}

func (s *Service) alreadyProcessed(ctx context.Context, prior domain.CompletionRecord) domain.Result {
	s.metrics.RecordCompletion(ctx, prior.Kind, resultDuplicate, 0)
	s.log.Debug("completion already processed",
		zap.String("work_id", prior.WorkID),
		zap.String("idempotency_key", prior.IdempotencyKey),
	)
	return domain.Result{
		AlreadyProcessed: true,
		IdempotencyKey:   prior.IdempotencyKey,
		Outcome:          prior.Outcome,
		TotalTokens:      prior.Tokens,
	}
}

func (s *Service) afterCommit(ctx context.Context, req domain.CompleteRequest, kind workunitdomain.Kind, record domain.CompletionRecord, result domain.Result) {
	s.log.Info("usage committed",
		zap.String("account_id", req.AccountID),
		zap.String("work_id", req.WorkID),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("outcome", string(req.Outcome)),
		zap.Int64("tokens", result.TotalTokens),
		zap.Int64("new_total", result.NewTotal),
	)
	s.metrics.RecordCompletion(ctx, string(kind), resultCommitted, result.TotalTokens)
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, req.AccountID)
	}
	if s.events == nil {
		return
	}
	periodID := ""
	if record.PeriodID != nil {
		periodID = record.PeriodID.String()
	}
	_ = s.events.Publish(ctx, events.NewEvent(events.EventUsageCommitted, req.AccountID, map[string]any{
		"work_id":         req.WorkID,
		"idempotency_key": req.IdempotencyKey,
		"outcome":         string(req.Outcome),
		"kind":            string(kind),
		"tokens":          result.TotalTokens,
		"new_total":       result.NewTotal,
		"period_id":       periodID,
	}))
	_ = s.events.Publish(ctx, events.NewEvent(events.EventWorkUnitTerminated, req.AccountID, map[string]any{
		"work_id": req.WorkID,
		"status":  string(terminalStatus(req.Outcome)),
	}))
}

func (s *Service) afterReject(ctx context.Context, req domain.CompleteRequest, kind workunitdomain.Kind, result domain.Result) {
	rejection := result.Rejection
	s.log.Warn("usage rejected by hard cap",
		zap.String("account_id", req.AccountID),
		zap.String("work_id", req.WorkID),
		zap.Int64("requested", rejection.Requested),
		zap.Int64("current_used", rejection.CurrentUsed),
		zap.Int64("tokens_limit", rejection.Limit),
		zap.Int64("hard_cap", rejection.HardCap),
	)
	s.metrics.RecordCompletion(ctx, string(kind), resultRejected, 0)
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, events.NewEvent(events.EventUsageRejected, req.AccountID, map[string]any{
		"work_id":      req.WorkID,
		"requested":    rejection.Requested,
		"current_used": rejection.CurrentUsed,
		"tokens_limit": rejection.Limit,
		"hard_cap":     rejection.HardCap,
	}))
}

func (s *Service) FindByKey(ctx context.Context, key string) (*domain.CompletionRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidIdempotencyKey
	}
	record, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (s *Service) FindByWork(ctx context.Context, workID string) (*domain.CompletionRecord, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return nil, domain.ErrInvalidWorkID
	}
	record, err := s.repo.FindByWork(ctx, s.db, workID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func normalize(req domain.CompleteRequest) (domain.CompleteRequest, error) {
	req.WorkID = strings.TrimSpace(req.WorkID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.WorkID == "" {
		return req, domain.ErrInvalidWorkID
	}
	if req.AccountID == "" {
		return req, domain.ErrInvalidAccount
	}
	if req.Outcome == "" {
		if req.IdempotencyKey == "" {
			req.Outcome = domain.OutcomeSuccess
		} else {
			req.Outcome = domain.OutcomeFromKey(req.IdempotencyKey)
		}
	}
	if !req.Outcome.Valid() {
		return req, domain.ErrInvalidOutcome
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = domain.IdempotencyKey(req.WorkID, req.Outcome)
	}
	return req, nil
}

// incrementFor counts a report only when it was delivered; partial runs bill
// tokens without consuming a report slot.
func incrementFor(kind workunitdomain.Kind, outcome domain.Outcome, total int64) usageperioddomain.Increment {
	inc := usageperioddomain.Increment{Tokens: total}
	switch kind {
	case workunitdomain.KindChat:
		inc.ChatTokens = total
	default:
		if outcome == domain.OutcomeSuccess {
			inc.Reports = 1
		}
	}
	return inc
}

func terminalStatus(outcome domain.Outcome) workunitdomain.Status {
	switch outcome {
	case domain.OutcomeFailure:
		return workunitdomain.StatusFailed
	case domain.OutcomeCancelled:
		return workunitdomain.StatusCancelled
	default:
		return workunitdomain.StatusSucceeded
	}
}
