package server

import (
	"strconv"
	"strings"
	"time"
)

const dateOnlyLayout = "2006-01-02"

// parsePeriodsLimit reads the ?limit of the period history listing.
func parsePeriodsLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultPeriodsLimit, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "invalid limit")
	}
	return min(n, maxPeriodsLimit), nil
}

// parseTimeBound accepts RFC3339 or a bare UTC date. A bare date used as an
// upper bound covers the whole day.
func parseTimeBound(field string, raw string, upper bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	day, err := time.Parse(dateOnlyLayout, trimmed)
	if err != nil {
		return nil, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	if upper {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}
