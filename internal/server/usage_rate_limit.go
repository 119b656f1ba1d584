package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sparlo/metering/internal/observability/logger"
	obsmetrics "github.com/sparlo/metering/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	rateLimitReasonAccount     = "account"
	rateLimitReasonUnavailable = "unavailable"
)

// PreflightRateLimit throttles pre-flight checks per account. A limiter
// backend failure lets the request through; the check itself is read-only.
func (s *Server) PreflightRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.preflightLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		accountID := strings.TrimSpace(c.Param("account_id"))

		result, err := s.preflightLimiter.Check(ctx, accountID)
		if err != nil {
			logger.FromContext(ctx).Warn("preflight rate limit unavailable", zap.Error(err))
			recordRateLimitDenied(ctx, endpoint, rateLimitReasonUnavailable, s.obsMetrics)
			c.Next()
			return
		}
		if !result.Allowed {
			denyPreflightRateLimit(c, endpoint, retryAfterSeconds(result.RetryAfter), s.obsMetrics)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyPreflightRateLimit(c *gin.Context, endpoint string, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Warn("preflight rate limit exceeded",
		zap.String("reason", rateLimitReasonAccount),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, rateLimitReasonAccount, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonAccount)
	AbortWithError(c, ErrRateLimited)
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
