package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/sparlo/metering/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const headerRequestID = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware tags the request context with the request, account and work
// ids from the route, then writes one line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if accountID := strings.TrimSpace(c.Param("account_id")); accountID != "" {
			ctx = obscontext.WithAccountID(ctx, accountID)
		}
		if workID := strings.TrimSpace(c.Param("work_id")); workID != "" {
			ctx = obscontext.WithWorkID(ctx, workID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		summary := summarize(c, start, cfg.ErrorClassifier)
		fields := summary.fields()
		if summary.errorType != "" && cfg.Debug {
			fields = append(fields, zap.Stack("stack"))
		}
		if ce := FromContext(c.Request.Context()).Check(summary.level(), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

type requestSummary struct {
	method    string
	path      string
	route     string
	status    int
	elapsed   time.Duration
	bytesIn   int64
	bytesOut  int
	outcome   string
	errorType string
	errorCode string
}

func summarize(c *gin.Context, start time.Time, classify func(error) (string, string)) requestSummary {
	s := requestSummary{
		method:   c.Request.Method,
		path:     c.Request.URL.Path,
		route:    c.FullPath(),
		status:   c.Writer.Status(),
		elapsed:  time.Since(start),
		bytesIn:  max(c.Request.ContentLength, 0),
		bytesOut: max(c.Writer.Size(), 0),
		outcome:  strings.TrimSpace(c.GetString(obscontext.UsageOutcomeKey)),
	}
	if strings.TrimSpace(s.route) == "" {
		s.route = "unknown"
	}
	if lastErr := c.Errors.Last(); lastErr != nil {
		s.errorType, s.errorCode = "error", "error"
		if classify != nil {
			s.errorType, s.errorCode = classify(lastErr.Err)
		}
	}
	return s
}

func (s requestSummary) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("method", s.method),
		zap.String("path", s.path),
		zap.String("route", s.route),
		zap.Int("status", s.status),
		zap.Int64("duration_ms", s.elapsed.Milliseconds()),
		zap.Int64("bytes_in", s.bytesIn),
		zap.Int("bytes_out", s.bytesOut),
	}
	if s.outcome != "" {
		fields = append(fields, zap.String(obscontext.UsageOutcomeKey, s.outcome))
	}
	if s.errorType != "" {
		fields = append(fields, zap.String("error_type", s.errorType), zap.String("error_code", s.errorCode))
	}
	return fields
}

// level keeps health checks and step-usage validation noise out of info; step usage
// is posted after every LLM call.
func (s requestSummary) level() zapcore.Level {
	switch {
	case s.status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case s.route == "/health" || s.route == "/metrics":
		return zapcore.DebugLevel
	case strings.HasSuffix(s.route, "/steps") && s.errorType == "validation_error":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}
