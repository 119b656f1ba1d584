package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "work-1-completion", IdempotencyKey("work-1", OutcomeSuccess))
	assert.Equal(t, "work-1-failure", IdempotencyKey("work-1", OutcomeFailure))
	assert.Equal(t, "work-1-cancelled", IdempotencyKey(" work-1 ", OutcomeCancelled))
}

func TestOutcomeFromKey(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFromKey("work-1-completion"))
	assert.Equal(t, OutcomeFailure, OutcomeFromKey("work-1-failure"))
	assert.Equal(t, OutcomeCancelled, OutcomeFromKey("work-1-cancelled"))
	assert.Equal(t, OutcomeSuccess, OutcomeFromKey("custom-key"))
}
