package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/audit/repository"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/migration"
	obsctx "github.com/sparlo/metering/internal/observability/context"
	"github.com/sparlo/metering/pkg/db"
	"github.com/sparlo/metering/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.EnsureSQLiteSchema(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	return NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  repository.Provide(),
	}), fc
}

func TestRecordCapturesRequestContext(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := obsctx.WithRequestID(context.Background(), "req-1")
	ctx = obsctx.WithClient(ctx, "10.0.0.1", "curl/8")
	ctx = obsctx.WithAccountID(ctx, "acct")

	require.NoError(t, svc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeOperator,
		ActorID:    "op-7",
		Action:     "usage.adjusted",
		TargetType: "usage_period",
		Details:    map[string]any{"reason": "refund"},
	}))

	resp, err := svc.List(context.Background(), auditdomain.Query{AccountID: "acct"})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)

	entry := resp.Entries[0]
	assert.Equal(t, "usage.adjusted", entry.Action)
	require.NotNil(t, entry.AccountID)
	assert.Equal(t, "acct", *entry.AccountID)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "op-7", *entry.ActorID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "refund", entry.Metadata["reason"])
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Record(context.Background(), auditdomain.Entry{Action: " "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()
	account := "acct"

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{AccountID: account, Action: "authorization.denied", TargetType: "authorization"}))
		fc.Advance(time.Second)
	}

	first, err := svc.List(ctx, auditdomain.Query{
		Pagination: pagination.Pagination{PageSize: 2},
		AccountID:  account,
	})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	assert.True(t, first.Entries[0].CreatedAt.After(first.Entries[1].CreatedAt))

	seen := map[snowflake.ID]bool{}
	for _, entry := range first.Entries {
		seen[entry.ID] = true
	}

	token := first.NextPageToken
	for token != "" {
		page, err := svc.List(ctx, auditdomain.Query{
			Pagination: pagination.Pagination{PageSize: 2, PageToken: token},
			AccountID:  account,
		})
		require.NoError(t, err)
		for _, entry := range page.Entries {
			assert.False(t, seen[entry.ID], "entries must not repeat across pages")
			seen[entry.ID] = true
		}
		token = page.NextPageToken
	}
	assert.Len(t, seen, 5)

	_, err = svc.List(ctx, auditdomain.Query{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
