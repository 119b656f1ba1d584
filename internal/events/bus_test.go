package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishAndWaitDeliversToAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls atomic.Int32
	bus.Subscribe(EventUsageCommitted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventUsageCommitted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventUsageCommitted, "acct_1", nil))
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestPublishAndWaitReturnsHandlerError(t *testing.T) {
	bus := NewBus(zap.NewNop())
	boom := errors.New("boom")
	bus.Subscribe(EventUsageAdjusted, func(ctx context.Context, e Event) error { return boom })

	err := bus.PublishAndWait(context.Background(), NewEvent(EventUsageAdjusted, "acct_1", nil))
	require.ErrorIs(t, err, boom)
}

func TestPublishIsAsyncAndSurvivesPanics(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var delivered atomic.Bool
	bus.Subscribe(EventPeriodRolledOver, func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	bus.Subscribe(EventPeriodRolledOver, func(ctx context.Context, e Event) error {
		delivered.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, NewEvent(EventPeriodRolledOver, "", nil)))
	cancel()
	bus.Drain()

	require.True(t, delivered.Load())
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	a := NewEvent(EventUsageRejected, "acct", nil)
	b := NewEvent(EventUsageRejected, "acct", nil)
	require.NotEqual(t, a.ID, b.ID)
	require.NotNil(t, a.Payload)
}
