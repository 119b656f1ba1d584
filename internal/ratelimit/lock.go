package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Both scripts act only while the caller's token still owns the key, so an
// expired lease can never release or prolong a successor's.
const (
	leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	leaseExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockerDisabled = errors.New("locker_disabled")
	ErrInvalidLease   = errors.New("invalid_lease")
	ErrLeaseLost      = errors.New("lease_lost")
)

// Locker hands out exclusive, expiring leases on redis keys.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

type Lease struct {
	locker *Locker
	Key    string
	Token  string
	TTL    time.Duration
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(leaseReleaseScript),
		extend:  redis.NewScript(leaseExtendScript),
	}
}

// Acquire returns a nil lease without error when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockerDisabled
	}
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, Key: key, Token: token, TTL: ttl}, nil
}

// Extend pushes the expiry out by the lease's TTL. ErrLeaseLost means the
// lease expired and the key moved on.
func (l *Lease) Extend(ctx context.Context) error {
	if l == nil || l.locker == nil {
		return nil
	}
	n, err := l.locker.extend.Run(ctx, l.locker.client, []string{l.Key}, l.Token, l.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil {
		return nil
	}
	return l.locker.release.Run(ctx, l.locker.client, []string{l.Key}, l.Token).Err()
}
