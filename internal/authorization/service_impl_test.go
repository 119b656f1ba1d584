package authorization

import (
	"context"
	"sync"
	"testing"

	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type auditCall struct {
	action   string
	metadata map[string]any
}

type fakeAudit struct {
	auditdomain.Service
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAudit) Record(_ context.Context, entry auditdomain.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{action: entry.Action, metadata: entry.Details})
	return nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func newTestService(t *testing.T, authz config.AuthzConfig) (Service, *fakeAudit) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)

	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)

	audit := &fakeAudit{}
	svc := NewService(Params{
		Log:      zap.NewNop(),
		Config:   config.Config{Authz: authz},
		Enforcer: enforcer,
		AuditSvc: audit,
	})
	return svc, audit
}

func TestAuthorizeRoles(t *testing.T) {
	svc, _ := newTestService(t, config.AuthzConfig{
		AdminOperators:   []string{"alice"},
		SupportOperators: []string{"bob"},
		ViewerOperators:  []string{"carol"},
	})
	ctx := context.Background()

	cases := []struct {
		actor  string
		object string
		action string
		want   error
	}{
		{"operator:alice", ObjectUsagePeriod, ActionUsageAdjustLimit, nil},
		{"operator:alice", ObjectUsagePeriod, ActionUsageAdjustUsed, nil},
		{"operator:bob", ObjectUsagePeriod, ActionUsageAdjustUsed, nil},
		{"operator:bob", ObjectUsagePeriod, ActionUsageAdjustLimit, ErrForbidden},
		{"operator:carol", ObjectUsageAdjustment, ActionUsageAdjustmentView, nil},
		{"operator:carol", ObjectUsagePeriod, ActionUsageAdjustUsed, ErrForbidden},
		{"system", ObjectAccountTier, ActionAccountTierUpdate, nil},
		{"system", ObjectUsagePeriod, ActionUsageAdjustUsed, ErrForbidden},
		{"operator:mallory", ObjectUsagePeriod, ActionUsageAdjustUsed, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.actor+" "+tc.action, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, "acct", tc.object, tc.action)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAuthorizeInvalidInput(t *testing.T) {
	svc, audit := newTestService(t, config.AuthzConfig{AdminOperators: []string{"alice"}})
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", "acct", ObjectUsagePeriod, ActionUsageAdjustUsed), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "operator:", "acct", ObjectUsagePeriod, ActionUsageAdjustUsed), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "Bearer sk_live_abcdef123456", "acct", ObjectUsagePeriod, ActionUsageAdjustUsed), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "operator:alice", "", ObjectUsagePeriod, ActionUsageAdjustUsed), ErrInvalidAccount)
	assert.ErrorIs(t, svc.Authorize(ctx, "operator:alice", "acct", "", ActionUsageAdjustUsed), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, "operator:alice", "acct", ObjectUsagePeriod, ""), ErrInvalidAction)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.calls, 3)
	for _, call := range audit.calls {
		assert.Equal(t, "authorization.denied", call.action)
	}
	assert.Equal(t, "****456", audit.calls[2].metadata["subject"])
}

func TestAuthorizeAuditsDenialsAndSensitiveGrants(t *testing.T) {
	svc, audit := newTestService(t, config.AuthzConfig{
		AdminOperators:  []string{"alice"},
		ViewerOperators: []string{"carol"},
	})
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "operator:alice", "acct", ObjectAccountTier, ActionAccountTierUpdate))
	require.NoError(t, svc.Authorize(ctx, "operator:alice", "acct", ObjectUsagePeriod, ActionUsageAdjustUsed))
	require.ErrorIs(t, svc.Authorize(ctx, "operator:carol", "acct", ObjectUsagePeriod, ActionUsageAdjustUsed), ErrForbidden)

	assert.Equal(t, []string{"authorization.granted", "authorization.denied"}, audit.actions())
}

func TestEnsureGroupingFollowsConfig(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)

	promoted := NewService(Params{
		Log:      zap.NewNop(),
		Config:   config.Config{Authz: config.AuthzConfig{AdminOperators: []string{"dave"}}},
		Enforcer: enforcer,
	})
	require.NoError(t, promoted.Authorize(context.Background(), "operator:dave", "acct", ObjectUsagePeriod, ActionUsageAdjustLimit))

	demoted := NewService(Params{
		Log:      zap.NewNop(),
		Config:   config.Config{Authz: config.AuthzConfig{ViewerOperators: []string{"dave"}}},
		Enforcer: enforcer,
	})
	err = demoted.Authorize(context.Background(), "operator:dave", "acct", ObjectUsagePeriod, ActionUsageAdjustLimit)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOperatorRolesPrefersHighestPrivilege(t *testing.T) {
	roles := operatorRoles(config.AuthzConfig{
		AdminOperators:   []string{" alice "},
		SupportOperators: []string{"alice", "bob"},
		ViewerOperators:  []string{"", "bob"},
	})
	assert.Equal(t, map[string]string{"alice": RoleAdmin, "bob": RoleSupport}, roles)
}

func TestNewEnforcerIsIdempotent(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	_, err = NewEnforcer(conn)
	require.NoError(t, err)
	_, err = NewEnforcer(conn)
	require.NoError(t, err)
}
