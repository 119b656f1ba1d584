package usagestream

import (
	"context"
	"testing"
	"time"

	"github.com/sparlo/metering/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	h := NewHub()
	h.Publish("acct", UsageEvent{ID: "1"})

	sub, backlog, err := h.Subscribe("acct")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	h := NewHub()
	first, _, err := h.Subscribe("acct")
	require.NoError(t, err)
	defer first.Close()

	for i := 0; i < DefaultBufferSize+5; i++ {
		h.Publish("acct", UsageEvent{Type: "usage.committed"})
	}

	second, backlog, err := h.Subscribe("acct")
	require.NoError(t, err)
	defer second.Close()
	assert.Len(t, backlog, DefaultBufferSize)

	h.Publish("other", UsageEvent{ID: "elsewhere"})
	h.Publish("acct", UsageEvent{ID: "live"})
	select {
	case event := <-second.Events():
		assert.Equal(t, "live", event.ID)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}
}

func TestCloseDropsIdleStream(t *testing.T) {
	h := NewHub()
	sub, _, err := h.Subscribe("acct")
	require.NoError(t, err)
	h.Publish("acct", UsageEvent{ID: "1"})
	sub.Close()
	sub.Close()

	h.mu.RLock()
	_, exists := h.streams["acct"]
	h.mu.RUnlock()
	assert.False(t, exists)

	_, _, err = h.Subscribe(" ")
	assert.ErrorIs(t, err, ErrInvalidAccount)
	var nilHub *Hub
	_, _, err = nilHub.Subscribe("acct")
	assert.ErrorIs(t, err, ErrHubUnavailable)
}

func TestAttachForwardsUsageEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	h := NewHub()
	Attach(bus, h)

	sub, _, err := h.Subscribe("acct")
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventStepUsageDropped, "acct", nil)))
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventUsageCommitted, "acct", map[string]any{"tokens": int64(10)})))

	select {
	case event := <-sub.Events():
		assert.Equal(t, string(events.EventUsageCommitted), event.Type)
		assert.Equal(t, "acct", event.AccountID)
		assert.EqualValues(t, 10, event.Payload["tokens"])
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event")
	}
	assert.Empty(t, sub.Events(), "dropped step usage is not streamed")
}
