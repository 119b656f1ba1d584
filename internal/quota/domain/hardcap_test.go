package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHardCap(t *testing.T) {
	assert.EqualValues(t, 1_100_000, HardCap(1_000_000, 0.10))
	assert.EqualValues(t, 3_300_000, HardCap(3_000_000, 0.10))
	assert.EqualValues(t, 1000, HardCap(1000, 0))
	assert.EqualValues(t, 0, HardCap(0, 0.10))
	assert.EqualValues(t, 110, HardCap(100, 0.1))
}

func TestEvaluateHardCap(t *testing.T) {
	cases := []struct {
		name    string
		used    int64
		total   int64
		limit   int64
		grace   float64
		allowed bool
	}{
		{"over grace is rejected", 950_000, 200_000, 1_000_000, 0.10, false},
		{"within grace is accepted", 950_000, 100_000, 1_000_000, 0.10, true},
		{"exactly at cap is accepted", 950_000, 150_000, 1_000_000, 0.10, true},
		{"one past cap is rejected", 950_000, 150_001, 1_000_000, 0.10, false},
		{"zero tokens always pass", 5_000_000, 0, 1_000_000, 0.10, true},
		{"zero limit rejects usage", 0, 1, 0, 0.10, false},
		{"already past cap", 1_200_000, 1, 1_000_000, 0.10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := EvaluateHardCap(tc.used, tc.total, tc.limit, tc.grace)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.used, d.CurrentUsed)
			assert.Equal(t, tc.limit, d.Limit)
		})
	}
}
