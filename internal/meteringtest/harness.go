// Package meteringtest wires the metering services over an in-memory sqlite
// database for tests.
package meteringtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	adjustmentdomain "github.com/sparlo/metering/internal/adjustment/domain"
	adjustmentrepo "github.com/sparlo/metering/internal/adjustment/repository"
	adjustmentservice "github.com/sparlo/metering/internal/adjustment/service"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	auditrepo "github.com/sparlo/metering/internal/audit/repository"
	auditservice "github.com/sparlo/metering/internal/audit/service"
	"github.com/sparlo/metering/internal/authorization"
	"github.com/sparlo/metering/internal/clock"
	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	completionrepo "github.com/sparlo/metering/internal/completion/repository"
	completionservice "github.com/sparlo/metering/internal/completion/service"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/migration"
	"github.com/sparlo/metering/internal/observability/metrics"
	quotadomain "github.com/sparlo/metering/internal/quota/domain"
	quotaservice "github.com/sparlo/metering/internal/quota/service"
	reconciledomain "github.com/sparlo/metering/internal/reconcile/domain"
	reconcileservice "github.com/sparlo/metering/internal/reconcile/service"
	stepusagedomain "github.com/sparlo/metering/internal/stepusage/domain"
	stepusagerepo "github.com/sparlo/metering/internal/stepusage/repository"
	stepusageservice "github.com/sparlo/metering/internal/stepusage/service"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	tierrepo "github.com/sparlo/metering/internal/tier/repository"
	tierservice "github.com/sparlo/metering/internal/tier/service"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	usageperiodrepo "github.com/sparlo/metering/internal/usageperiod/repository"
	usageperiodservice "github.com/sparlo/metering/internal/usageperiod/service"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	workunitrepo "github.com/sparlo/metering/internal/workunit/repository"
	workunitservice "github.com/sparlo/metering/internal/workunit/service"
	"github.com/sparlo/metering/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the fake clock's initial time.
var Start = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// QuotaConfig uses a 1,000,000 token default tier with 10% grace.
func QuotaConfig() config.QuotaConfig {
	return config.QuotaConfig{
		DefaultTier:  "starter",
		OverageGrace: 0.10,
		Tiers: []config.TierLimit{
			{Name: "starter", TokensLimit: 1_000_000},
			{Name: "core", TokensLimit: 3_000_000},
			{Name: "pro", TokensLimit: 10_000_000},
		},
	}
}

// Operators granted each role in the harness.
const (
	AdminActor   = "operator:ops-admin"
	SupportActor = "operator:ops-support"
	ViewerActor  = "operator:ops-viewer"
)

// AuthzConfig maps the harness operators to their roles.
func AuthzConfig() config.AuthzConfig {
	return config.AuthzConfig{
		AdminOperators:   []string{"ops-admin"},
		SupportOperators: []string{"ops-support"},
		ViewerOperators:  []string{"ops-viewer"},
	}
}

// Recorder is an events.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) OfType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type Harness struct {
	DB      *gorm.DB
	Log     *zap.Logger
	Clock   *clock.FakeClock
	GenID   *snowflake.Node
	Quota   *config.QuotaConfigHolder
	Events  *Recorder
	Metrics *metrics.Metrics

	Audit       auditdomain.Service
	Authz       authorization.Service
	Adjustments adjustmentdomain.Service

	Tiers      tierdomain.Service
	PeriodRepo usageperioddomain.Repository
	Periods    usageperioddomain.Service
	WorkUnits  workunitdomain.Service
	Steps      stepusagedomain.Service
	Completion completiondomain.Service
	QuotaGate  quotadomain.Service
	Reconcile  reconciledomain.Service
}

func New(t testing.TB) *Harness {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.EnsureSQLiteSchema(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &Harness{
		DB:      conn,
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(Start),
		GenID:   node,
		Quota:   config.NewStaticQuotaConfigHolder(QuotaConfig()),
		Events:  &Recorder{},
		Metrics: metrics.NewNoop(),
	}

	h.Audit = auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   h.Log,
		GenID: node,
		Clock: h.Clock,
		Repo:  auditrepo.Provide(),
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	h.Authz = authorization.NewService(authorization.Params{
		Log:      h.Log,
		Config:   config.Config{Authz: AuthzConfig()},
		Enforcer: enforcer,
		AuditSvc: h.Audit,
	})

	h.Tiers = tierservice.NewService(tierservice.Params{
		DB:    conn,
		Log:   h.Log,
		Clock: h.Clock,
		Quota: h.Quota,
		Repo:  tierrepo.Provide(),
	})
	h.PeriodRepo = usageperiodrepo.Provide()
	h.Periods = usageperiodservice.NewService(usageperiodservice.Params{
		DB:     conn,
		Log:    h.Log,
		GenID:  node,
		Clock:  h.Clock,
		Repo:   h.PeriodRepo,
		Tiers:  h.Tiers,
		Events: h.Events,
	})
	h.WorkUnits = workunitservice.NewService(workunitservice.Params{
		DB:    conn,
		Log:   h.Log,
		Clock: h.Clock,
		Repo:  workunitrepo.Provide(),
	})
	h.Steps = stepusageservice.NewService(stepusageservice.Params{
		DB:        conn,
		Log:       h.Log,
		GenID:     node,
		Clock:     h.Clock,
		Repo:      stepusagerepo.Provide(),
		WorkUnits: h.WorkUnits,
		Metrics:   h.Metrics,
		Events:    h.Events,
	})
	h.Completion = completionservice.NewService(completionservice.Params{
		DB:         conn,
		Log:        h.Log,
		GenID:      node,
		Clock:      h.Clock,
		Repo:       completionrepo.Provide(),
		Periods:    h.Periods,
		PeriodRepo: h.PeriodRepo,
		Steps:      h.Steps,
		WorkUnits:  h.WorkUnits,
		Tiers:      h.Tiers,
		Metrics:    h.Metrics,
		Events:     h.Events,
	})
	h.QuotaGate = quotaservice.NewService(quotaservice.Params{
		Log:     h.Log,
		Periods: h.Periods,
		Metrics: h.Metrics,
	})
	h.Reconcile = reconcileservice.NewService(reconcileservice.Params{
		Log:        h.Log,
		WorkUnits:  h.WorkUnits,
		Completion: h.Completion,
	})
	h.Adjustments = adjustmentservice.NewService(adjustmentservice.Params{
		DB:         conn,
		Log:        h.Log,
		GenID:      node,
		Clock:      h.Clock,
		Repo:       adjustmentrepo.Provide(),
		Periods:    h.Periods,
		PeriodRepo: h.PeriodRepo,
		Tiers:      h.Tiers,
		Authz:      h.Authz,
		AuditSvc:   h.Audit,
		Metrics:    h.Metrics,
		Events:     h.Events,
	})
	return h
}

// Record stores one step observation and fails the test if it was dropped.
func (h *Harness) Record(t testing.TB, workID, accountID, step string, tokens int64) {
	t.Helper()
	ok, err := h.Steps.RecordStepUsage(context.Background(), stepusagedomain.RecordRequest{
		WorkID:    workID,
		AccountID: accountID,
		StepName:  step,
		Tokens:    tokens,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

// SeedUsage creates the active period for accountID and forces its counter.
func (h *Harness) SeedUsage(t testing.TB, accountID string, used int64) *usageperioddomain.UsagePeriod {
	t.Helper()
	ctx := context.Background()
	limit, err := h.Tiers.LimitFor(ctx, accountID)
	require.NoError(t, err)
	period, err := h.Periods.GetOrCreateActivePeriod(ctx, accountID, limit.TokensLimit)
	require.NoError(t, err)
	require.NoError(t, h.DB.Exec(`UPDATE usage_periods SET tokens_used = ? WHERE id = ?`, used, period.ID).Error)
	period.TokensUsed = used
	return period
}

// ActivePeriod re-reads the account's active period.
func (h *Harness) ActivePeriod(t testing.TB, accountID string) *usageperioddomain.UsagePeriod {
	t.Helper()
	period, err := h.PeriodRepo.FindActive(context.Background(), h.DB, accountID)
	require.NoError(t, err)
	require.NotNil(t, period)
	return period
}
