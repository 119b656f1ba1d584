package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsFreeText(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("account_id", "acct_1"),
		attribute.String("note", "refund for outage"),
		attribute.String("Authorization", "Bearer x"),
	)
	require.Len(t, attrs, 1)
	require.Equal(t, attribute.Key("account_id"), attrs[0].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	require.Nil(t, SafeError(nil))

	long := errors.New(strings.Repeat("x", 1000))
	require.Len(t, SafeError(long).Error(), maxErrorLength)
}
