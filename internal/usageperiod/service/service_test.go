package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/migration"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"github.com/sparlo/metering/internal/usageperiod/domain"
	"github.com/sparlo/metering/internal/usageperiod/repository"
	"github.com/sparlo/metering/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticTiers struct {
	limit tierdomain.Limit
}

func (s staticTiers) LimitFor(context.Context, string) (tierdomain.Limit, error) {
	return s.limit, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mapSnapshots struct {
	mu      sync.Mutex
	entries map[string]domain.UsageSnapshot
}

func (m *mapSnapshots) Get(_ context.Context, accountID string) (domain.UsageSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.entries[accountID]
	return snap, ok
}

func (m *mapSnapshots) Set(_ context.Context, accountID string, snapshot domain.UsageSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]domain.UsageSnapshot{}
	}
	m.entries[accountID] = snapshot
}

func (m *mapSnapshots) Invalidate(_ context.Context, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, accountID)
}

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	pub   *recordingPublisher
}

func setup(t *testing.T) fixture {
	t.Helper()
	return setupWithCache(t, nil)
}

func setupWithCache(t *testing.T, snapshots domain.SnapshotCache) fixture {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.EnsureSQLiteSchema(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	params := Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fc,
		Repo:   repository.Provide(),
		Tiers:  staticTiers{limit: tierdomain.Limit{Tier: "core", TokensLimit: 3_000_000}},
		Events: pub,
	}
	if snapshots != nil {
		params.Snapshots = snapshots
	}
	svc := NewService(params)
	return fixture{svc: svc, db: conn, clock: fc, pub: pub}
}

func countPeriods(t *testing.T, conn *gorm.DB, accountID string, status domain.Status) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&domain.UsagePeriod{}).
		Where("account_id = ? AND status = ?", accountID, status).
		Count(&n).Error)
	return n
}

func TestGetOrCreateActivePeriodCreatesLazily(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.Zero(t, countPeriods(t, f.db, "acct", domain.StatusActive))

	period, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, period.Status)
	assert.EqualValues(t, 1_000_000, period.TokensLimit)
	assert.Zero(t, period.TokensUsed)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), period.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), period.PeriodEnd)

	again, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 5)
	require.NoError(t, err)
	assert.Equal(t, period.ID, again.ID)
	assert.EqualValues(t, 1_000_000, again.TokensLimit, "existing period keeps its limit")
}

func TestGetOrCreateActivePeriodRollsOverExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE usage_periods SET tokens_used = 900 WHERE id = ?`, first.ID).Error)

	f.clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	second, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 2000)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Zero(t, second.TokensUsed)
	assert.EqualValues(t, 2000, second.TokensLimit)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), second.PeriodStart)

	assert.EqualValues(t, 1, countPeriods(t, f.db, "acct", domain.StatusActive))
	assert.EqualValues(t, 1, countPeriods(t, f.db, "acct", domain.StatusCompleted))

	var old domain.UsagePeriod
	require.NoError(t, f.db.Where("id = ?", first.ID).Take(&old).Error)
	assert.Equal(t, domain.StatusCompleted, old.Status)
	assert.EqualValues(t, 900, old.TokensUsed, "history is retained")

	require.Len(t, f.pub.ofType(events.EventPeriodRolledOver), 1)
}

func TestGetOrCreateActivePeriodSkipsIdleMonths(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC))
	current, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), current.PeriodStart)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), current.PeriodEnd)
}

func TestGetOrCreateActivePeriodConcurrentFirstUse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]snowflake.ID, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
			errs[i] = err
			if p != nil {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.EqualValues(t, 1, countPeriods(t, f.db, "acct", domain.StatusActive))
}

func TestGetOrCreateActivePeriodValidates(t *testing.T) {
	f := setup(t)

	_, err := f.svc.GetOrCreateActivePeriod(context.Background(), "  ", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)

	_, err = f.svc.GetOrCreateActivePeriod(context.Background(), "acct", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidTokensLimit)
}

func TestGetUsageSnapshotDoesNotWrite(t *testing.T) {
	f := setup(t)

	snap, err := f.svc.GetUsageSnapshot(context.Background(), "acct")
	require.NoError(t, err)
	assert.False(t, snap.HasPeriod)
	assert.Equal(t, "core", snap.Tier)
	assert.EqualValues(t, 3_000_000, snap.TokensLimit)
	assert.EqualValues(t, 3_000_000, snap.Remaining)
	assert.Zero(t, snap.TokensUsed)
	assert.Zero(t, snap.Percentage)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), snap.PeriodEnd)

	var n int64
	require.NoError(t, f.db.Model(&domain.UsagePeriod{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestGetUsageSnapshotReflectsActivePeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	period, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE usage_periods SET tokens_used = 1050, reports_count = 2 WHERE id = ?`, period.ID).Error)

	snap, err := f.svc.GetUsageSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, snap.HasPeriod)
	assert.EqualValues(t, 1050, snap.TokensUsed)
	assert.EqualValues(t, 1000, snap.TokensLimit)
	assert.Zero(t, snap.Remaining)
	assert.Equal(t, 100.0, snap.Percentage)
	assert.EqualValues(t, 2, snap.ReportsCount)
}

func TestGetUsageSnapshotIgnoresExpiredPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	period, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE usage_periods SET tokens_used = 500 WHERE id = ?`, period.ID).Error)

	f.clock.Set(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	snap, err := f.svc.GetUsageSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, snap.HasPeriod)
	assert.Zero(t, snap.TokensUsed)

	// still no rollover write
	assert.EqualValues(t, 1, countPeriods(t, f.db, "acct", domain.StatusActive))
}

func TestGetUsageSnapshotDropsCachedEntryPastPeriodEnd(t *testing.T) {
	cache := &mapSnapshots{}
	f := setupWithCache(t, cache)
	ctx := context.Background()

	period, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE usage_periods SET tokens_used = 500 WHERE id = ?`, period.ID).Error)

	snap, err := f.svc.GetUsageSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, snap.HasPeriod)
	assert.EqualValues(t, 500, snap.TokensUsed)

	// served from cache while the period is live
	require.NoError(t, f.db.Exec(`UPDATE usage_periods SET tokens_used = 700 WHERE id = ?`, period.ID).Error)
	snap, err = f.svc.GetUsageSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.EqualValues(t, 500, snap.TokensUsed)

	f.clock.Set(period.PeriodEnd)
	snap, err = f.svc.GetUsageSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, snap.HasPeriod)
	assert.Zero(t, snap.TokensUsed)
	assert.True(t, f.clock.Now().Before(snap.PeriodEnd))
}

func TestCompleteExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.GetOrCreateActivePeriod(ctx, "a", 1000)
	require.NoError(t, err)
	_, err = f.svc.GetOrCreateActivePeriod(ctx, "b", 1000)
	require.NoError(t, err)

	completed, err := f.svc.CompleteExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, completed)

	f.clock.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	completed, err = f.svc.CompleteExpired(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
	assert.Zero(t, countPeriods(t, f.db, "a", domain.StatusActive))
	assert.Zero(t, countPeriods(t, f.db, "b", domain.StatusActive))
	assert.Len(t, f.pub.ofType(events.EventPeriodRolledOver), 2)

	// the next access lazily opens April
	april, err := f.svc.GetOrCreateActivePeriod(ctx, "a", 1000)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), april.PeriodStart)
}

func TestListPeriodsNewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)
	f.clock.Set(time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC))
	_, err = f.svc.GetOrCreateActivePeriod(ctx, "acct", 1000)
	require.NoError(t, err)

	periods, err := f.svc.ListPeriods(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, domain.StatusActive, periods[0].Status)
	assert.Equal(t, domain.StatusCompleted, periods[1].Status)
}
