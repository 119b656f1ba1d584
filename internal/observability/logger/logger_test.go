package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/sparlo/metering/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithAccountID(ctx, "acct-1")
	ctx = obscontext.WithWorkID(ctx, "work-1")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "acct-1", fields["account_id"])
		assert.Equal(t, "work-1", fields["work_id"])
		_, hasActor := fields["actor"]
		assert.False(t, hasActor)
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL("INSERT INTO step_usage_records VALUES (?)"))
	assert.Equal(t, "UPDATE", operationFromSQL("WITH x AS (SELECT 1) UPDATE usage_periods SET tokens_used = 1"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestWithContextWithoutSpanOmitsTraceIDs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	assert.Same(t, base, WithContext(context.Background(), base))

	WithContext(obscontext.WithRequestID(context.Background(), "req-2"), base).Info("hello")
	fields := logs.All()[0].ContextMap()
	_, hasTrace := fields["trace_id"]
	assert.False(t, hasTrace)
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "usage_periods", tableFromSQL(`UPDATE "usage_periods" SET tokens_used = ?`))
	assert.Equal(t, "completion_records", tableFromSQL("INSERT INTO completion_records (id) VALUES (?)"))
	assert.Equal(t, "step_usage_records", tableFromSQL("SELECT COALESCE(SUM(tokens), 0) FROM step_usage_records WHERE work_id = ?"))
	assert.Empty(t, tableFromSQL("BEGIN"))
}

func TestGormTraceLevel(t *testing.T) {
	l := NewGormLogger(zap.NewNop(), DefaultGormLoggerConfig())

	level, ok := l.traceLevel(time.Millisecond, errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"))
	assert.True(t, ok)
	assert.Equal(t, zapcore.DebugLevel, level)

	level, ok = l.traceLevel(time.Millisecond, errors.New("ERROR: could not serialize access (SQLSTATE 40001)"))
	assert.True(t, ok)
	assert.Equal(t, zapcore.WarnLevel, level)

	level, ok = l.traceLevel(time.Millisecond, errors.New("connection refused"))
	assert.True(t, ok)
	assert.Equal(t, zapcore.ErrorLevel, level)
}

func TestSamplingDefaults(t *testing.T) {
	window, initial, thereafter := Config{}.sampling()
	assert.Equal(t, time.Second, window)
	assert.Equal(t, 100, initial)
	assert.Equal(t, 100, thereafter)
}
