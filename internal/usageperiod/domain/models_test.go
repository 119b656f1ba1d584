package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCycleBounds(t *testing.T) {
	start, end := CycleBounds(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)

	// non-UTC input is normalised before truncating
	jakarta := time.FixedZone("WIB", 7*3600)
	start, _ = CycleBounds(time.Date(2026, 3, 1, 3, 0, 0, 0, jakarta))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestExpiredIsExclusiveOfEnd(t *testing.T) {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	p := UsagePeriod{PeriodEnd: end}
	assert.False(t, p.Expired(end.Add(-time.Nanosecond)))
	assert.True(t, p.Expired(end))
}

func TestRemainingAndPercentage(t *testing.T) {
	assert.EqualValues(t, 400, Remaining(600, 1000))
	assert.EqualValues(t, 0, Remaining(1050, 1000))
	assert.Equal(t, 60.0, Percentage(600, 1000))
	assert.Equal(t, 100.0, Percentage(1050, 1000))
	assert.Equal(t, 33.33, Percentage(1, 3))
	assert.Equal(t, 100.0, Percentage(0, 0))
}
