package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/events"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"go.uber.org/zap"
)

const keySnapshot = "metering:snapshot:%s"

// snapshotEnvelope is the stored form. Version lets older entries be
// discarded rather than misread after a format change.
type snapshotEnvelope struct {
	Version  int                             `json:"version"`
	Snapshot usageperioddomain.UsageSnapshot `json:"snapshot"`
}

const snapshotEnvelopeVersion = 1

// RedisSnapshotCache stores usage snapshots for the dashboard and pre-flight paths.
type RedisSnapshotCache struct {
	client *redis.Client
	quota  *config.QuotaConfigHolder
	log    *zap.Logger
}

// NewSnapshotCache returns a redis backed cache, or a no-op cache when redis is disabled.
func NewSnapshotCache(client *redis.Client, quota *config.QuotaConfigHolder, log *zap.Logger) usageperioddomain.SnapshotCache {
	if client == nil {
		return NoopSnapshotCache{}
	}
	return &RedisSnapshotCache{
		client: client,
		quota:  quota,
		log:    log.Named("cache.snapshot"),
	}
}

func (c *RedisSnapshotCache) Get(ctx context.Context, accountID string) (usageperioddomain.UsageSnapshot, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(accountID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("snapshot cache read failed", zap.String("account_id", accountID), zap.Error(err))
		}
		return usageperioddomain.UsageSnapshot{}, false
	}

	var envelope snapshotEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Version != snapshotEnvelopeVersion {
		return usageperioddomain.UsageSnapshot{}, false
	}
	return envelope.Snapshot, true
}

func (c *RedisSnapshotCache) Set(ctx context.Context, accountID string, snapshot usageperioddomain.UsageSnapshot) {
	ttl := c.ttl()
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(snapshotEnvelope{Version: snapshotEnvelopeVersion, Snapshot: snapshot})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKey(accountID), raw, ttl).Err(); err != nil {
		c.log.Warn("snapshot cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context, accountID string) {
	if err := c.client.Del(ctx, snapshotKey(accountID)).Err(); err != nil {
		c.log.Warn("snapshot cache invalidate failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (c *RedisSnapshotCache) ttl() time.Duration {
	if c.quota == nil {
		return 0
	}
	return c.quota.Get().SnapshotCacheTTL
}

func snapshotKey(accountID string) string {
	return fmt.Sprintf(keySnapshot, strings.TrimSpace(accountID))
}

// NoopSnapshotCache never stores anything.
type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(context.Context, string) (usageperioddomain.UsageSnapshot, bool) {
	return usageperioddomain.UsageSnapshot{}, false
}
func (NoopSnapshotCache) Set(context.Context, string, usageperioddomain.UsageSnapshot) {}
func (NoopSnapshotCache) Invalidate(context.Context, string)                           {}

// SubscribeInvalidation drops cached snapshots whenever an account's counters move.
func SubscribeInvalidation(bus *events.Bus, snapshots usageperioddomain.SnapshotCache) {
	if bus == nil || snapshots == nil {
		return
	}
	invalidate := func(ctx context.Context, event events.Event) error {
		if event.AccountID == "" {
			return nil
		}
		snapshots.Invalidate(ctx, event.AccountID)
		return nil
	}
	bus.Subscribe(events.EventUsageCommitted, invalidate)
	bus.Subscribe(events.EventUsageAdjusted, invalidate)
	bus.Subscribe(events.EventPeriodRolledOver, invalidate)
}
