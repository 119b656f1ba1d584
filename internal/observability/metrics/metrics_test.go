package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tier", "pro"),
		attribute.String("account_id", "456"),
		attribute.String("step", "an0"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "tier" && attrs[1].Key != "tier" {
		t.Fatalf("expected tier to be retained")
	}
	if attrs[0].Key != "step" && attrs[1].Key != "step" {
		t.Fatalf("expected step to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordStepUsage(ctx, "an0")
	m.RecordCompletion(ctx, "report", "committed", 10)
	m.RecordQuotaCheck(ctx, "free", false)
}

func TestNoopMetricsRecord(t *testing.T) {
	m := NewNoop()
	if m == nil {
		t.Fatalf("expected noop metrics")
	}
	m.RecordCompletion(context.Background(), "chat", "committed", 100)
	m.RecordAdjustment(context.Background(), "tokens_limit")
}
