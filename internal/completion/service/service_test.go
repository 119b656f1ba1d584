package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sparlo/metering/internal/completion/domain"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/meteringtest"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func complete(t *testing.T, h *meteringtest.Harness, workID, accountID, key string) domain.Result {
	t.Helper()
	result, err := h.Completion.CompleteUsage(context.Background(), domain.CompleteRequest{
		WorkID:         workID,
		AccountID:      accountID,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return result
}

func TestCompleteUsageHappyPath(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-1", "acct", "an0", 4000)
	h.Record(t, "work-1", "acct", "an1", 5000)

	result := complete(t, h, "work-1", "acct", "work-1-completion")
	assert.False(t, result.AlreadyProcessed)
	assert.False(t, result.Rejected())
	assert.EqualValues(t, 9000, result.TotalTokens)
	assert.EqualValues(t, 9000, result.NewTotal)
	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)

	period := h.ActivePeriod(t, "acct")
	assert.EqualValues(t, 9000, period.TokensUsed)
	assert.EqualValues(t, 1, period.ReportsCount)

	record, err := h.Completion.FindByKey(context.Background(), "work-1-completion")
	require.NoError(t, err)
	assert.EqualValues(t, 9000, record.Tokens)
	require.NotNil(t, record.PeriodID)
	assert.Equal(t, period.ID, *record.PeriodID)

	unit, err := h.WorkUnits.Get(context.Background(), "work-1")
	require.NoError(t, err)
	assert.Equal(t, workunitdomain.StatusSucceeded, unit.Status)

	require.Len(t, h.Events.OfType(events.EventUsageCommitted), 1)
}

func TestCompleteUsageIsIdempotent(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-1", "acct", "an0", 4000)
	first := complete(t, h, "work-1", "acct", "work-1-completion")
	require.False(t, first.AlreadyProcessed)

	// a late step arriving after commit is kept for audit but never billed
	h.Record(t, "work-1", "acct", "an1", 1000)

	second := complete(t, h, "work-1", "acct", "work-1-completion")
	assert.True(t, second.AlreadyProcessed)
	assert.EqualValues(t, 4000, second.TotalTokens)

	assert.EqualValues(t, 4000, h.ActivePeriod(t, "acct").TokensUsed)
	require.Len(t, h.Events.OfType(events.EventUsageCommitted), 1)
}

func TestCompleteUsageConcurrentSameKey(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-1", "acct", "an0", 4000)
	h.Record(t, "work-1", "acct", "an1", 5000)

	const callers = 8
	results := make([]domain.Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Completion.CompleteUsage(context.Background(), domain.CompleteRequest{
				WorkID:         "work-1",
				AccountID:      "acct",
				IdempotencyKey: "work-1-completion",
			})
		}(i)
	}
	wg.Wait()

	committed := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.EqualValues(t, 9000, results[i].TotalTokens)
		if !results[i].AlreadyProcessed {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.EqualValues(t, 9000, h.ActivePeriod(t, "acct").TokensUsed)
}

func TestCompleteUsageFirstTerminalKeyWins(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-1", "acct", "an0", 3000)
	success := complete(t, h, "work-1", "acct", "work-1-completion")
	require.False(t, success.AlreadyProcessed)

	cancelled := complete(t, h, "work-1", "acct", "work-1-cancelled")
	assert.True(t, cancelled.AlreadyProcessed)
	assert.Equal(t, "work-1-completion", cancelled.IdempotencyKey)
	assert.Equal(t, domain.OutcomeSuccess, cancelled.Outcome)

	assert.EqualValues(t, 3000, h.ActivePeriod(t, "acct").TokensUsed)

	unit, err := h.WorkUnits.Get(context.Background(), "work-1")
	require.NoError(t, err)
	assert.Equal(t, workunitdomain.StatusSucceeded, unit.Status)
}

func TestCompleteUsageHardCap(t *testing.T) {
	h := meteringtest.New(t)
	h.SeedUsage(t, "acct", 950_000)

	h.Record(t, "big", "acct", "an0", 200_000)
	rejected := complete(t, h, "big", "acct", "big-completion")
	require.True(t, rejected.Rejected())
	assert.False(t, rejected.AlreadyProcessed)
	assert.Equal(t, domain.ReasonUsageLimitReached, rejected.Rejection.Reason)
	assert.EqualValues(t, 950_000, rejected.Rejection.CurrentUsed)
	assert.EqualValues(t, 1_000_000, rejected.Rejection.Limit)
	assert.EqualValues(t, 1_100_000, rejected.Rejection.HardCap)
	assert.EqualValues(t, 950_000, h.ActivePeriod(t, "acct").TokensUsed)

	_, err := h.Completion.FindByKey(context.Background(), "big-completion")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a rejection leaves no idempotency record")
	require.Len(t, h.Events.OfType(events.EventUsageRejected), 1)

	h.Record(t, "small", "acct", "an0", 100_000)
	accepted := complete(t, h, "small", "acct", "small-completion")
	require.False(t, accepted.Rejected())
	assert.EqualValues(t, 1_050_000, accepted.NewTotal)
	assert.EqualValues(t, 1_050_000, h.ActivePeriod(t, "acct").TokensUsed)
}

func TestCompleteUsageRetryAfterRejection(t *testing.T) {
	h := meteringtest.New(t)
	period := h.SeedUsage(t, "acct", 950_000)

	h.Record(t, "big", "acct", "an0", 200_000)
	require.True(t, complete(t, h, "big", "acct", "big-completion").Rejected())

	// an operator raises the ceiling; the same key can now commit
	require.NoError(t, h.DB.Exec(`UPDATE usage_periods SET tokens_limit = ? WHERE id = ?`, 2_000_000, period.ID).Error)

	result := complete(t, h, "big", "acct", "big-completion")
	require.False(t, result.Rejected())
	assert.False(t, result.AlreadyProcessed)
	assert.EqualValues(t, 1_150_000, result.NewTotal)
}

func TestCompleteUsagePartialBillingOnFailure(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-7", "acct", "step-1", 1000)
	h.Record(t, "work-7", "acct", "step-2", 2000)
	h.Record(t, "work-7", "acct", "step-3", 3000)

	result, err := h.Completion.CompleteUsage(context.Background(), domain.CompleteRequest{
		WorkID:    "work-7",
		AccountID: "acct",
		Outcome:   domain.OutcomeFailure,
	})
	require.NoError(t, err)
	assert.Equal(t, "work-7-failure", result.IdempotencyKey)
	assert.EqualValues(t, 6000, result.TotalTokens)

	period := h.ActivePeriod(t, "acct")
	assert.EqualValues(t, 6000, period.TokensUsed)
	assert.Zero(t, period.ReportsCount, "a failed run does not consume a report")

	unit, err := h.WorkUnits.Get(context.Background(), "work-7")
	require.NoError(t, err)
	assert.Equal(t, workunitdomain.StatusFailed, unit.Status)
}

func TestCompleteUsageZeroTokens(t *testing.T) {
	h := meteringtest.New(t)
	h.SeedUsage(t, "acct", 5_000_000)

	result := complete(t, h, "empty", "acct", "empty-cancelled")
	require.False(t, result.Rejected())
	assert.Zero(t, result.TotalTokens)
	assert.Equal(t, domain.OutcomeCancelled, result.Outcome)

	again := complete(t, h, "empty", "acct", "empty-cancelled")
	assert.True(t, again.AlreadyProcessed)
}

func TestCompleteUsageChatTokens(t *testing.T) {
	h := meteringtest.New(t)
	ctx := context.Background()

	_, err := h.WorkUnits.Start(ctx, workunitdomain.StartRequest{WorkID: "chat-1", AccountID: "acct", Kind: workunitdomain.KindChat})
	require.NoError(t, err)
	h.Record(t, "chat-1", "acct", "reply", 750)

	complete(t, h, "chat-1", "acct", "chat-1-completion")

	period := h.ActivePeriod(t, "acct")
	assert.EqualValues(t, 750, period.TokensUsed)
	assert.EqualValues(t, 750, period.ChatTokensUsed)
	assert.Zero(t, period.ReportsCount)
}

func TestCompleteUsageRollsOverExpiredPeriod(t *testing.T) {
	h := meteringtest.New(t)
	old := h.SeedUsage(t, "acct", 990_000)

	h.Clock.Set(meteringtest.Start.AddDate(0, 1, 0))
	h.Record(t, "work-2", "acct", "an0", 500_000)

	result := complete(t, h, "work-2", "acct", "work-2-completion")
	require.False(t, result.Rejected())
	assert.EqualValues(t, 500_000, result.NewTotal)

	current := h.ActivePeriod(t, "acct")
	assert.NotEqual(t, old.ID, current.ID)
	assert.EqualValues(t, 500_000, current.TokensUsed)
}

func TestCompleteUsageAccountMismatch(t *testing.T) {
	h := meteringtest.New(t)

	h.Record(t, "work-1", "owner", "an0", 10)
	_, err := h.Completion.CompleteUsage(context.Background(), domain.CompleteRequest{
		WorkID:    "work-1",
		AccountID: "intruder",
	})
	assert.ErrorIs(t, err, domain.ErrAccountMismatch)

	complete(t, h, "work-1", "owner", "work-1-completion")
	_, err = h.Completion.CompleteUsage(context.Background(), domain.CompleteRequest{
		WorkID:         "work-1",
		AccountID:      "intruder",
		IdempotencyKey: "work-1-completion",
	})
	assert.ErrorIs(t, err, domain.ErrAccountMismatch)
}

func TestCompleteUsageValidation(t *testing.T) {
	h := meteringtest.New(t)
	ctx := context.Background()

	_, err := h.Completion.CompleteUsage(ctx, domain.CompleteRequest{AccountID: "acct"})
	assert.ErrorIs(t, err, domain.ErrInvalidWorkID)

	_, err = h.Completion.CompleteUsage(ctx, domain.CompleteRequest{WorkID: "w"})
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)

	_, err = h.Completion.CompleteUsage(ctx, domain.CompleteRequest{WorkID: "w", AccountID: "a", Outcome: "exploded"})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
}
