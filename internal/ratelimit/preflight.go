package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/sparlo/metering/internal/config"
)

const preflightKeyPrefix = "metering:preflight:account:"

// PreflightLimiter throttles quota pre-flight checks per account. The zero
// value lets everything through.
type PreflightLimiter struct {
	bucket *TokenBucket
	policy Policy
}

func NewPreflightLimiter(cfg config.Config, client *redis.Client) (*PreflightLimiter, error) {
	if !cfg.RateLimit.Enabled || client == nil {
		return &PreflightLimiter{}, nil
	}
	policy := Policy{Rate: cfg.RateLimit.PreflightRate, Burst: cfg.RateLimit.PreflightBurst}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &PreflightLimiter{bucket: NewTokenBucket(client), policy: policy}, nil
}

func (l *PreflightLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *PreflightLimiter) Check(ctx context.Context, accountID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, preflightKeyPrefix+strings.TrimSpace(accountID), l.policy, 1)
}
