package domain

import "math"

// graceEpsilon absorbs float noise so that 1_000_000 * 0.10 is 100_000, not 99_999.
const graceEpsilon = 1e-6

// Decision is the outcome of the authoritative post-hoc cap.
type Decision struct {
	Allowed     bool  `json:"allowed"`
	CurrentUsed int64 `json:"current_used"`
	Requested   int64 `json:"requested"`
	Limit       int64 `json:"limit"`
	HardCap     int64 `json:"hard_cap"`
}

// HardCap returns limit * (1 + grace) rounded down to whole tokens.
func HardCap(limit int64, grace float64) int64 {
	if limit <= 0 {
		return 0
	}
	if grace <= 0 {
		return limit
	}
	extra := int64(math.Floor(float64(limit)*grace + graceEpsilon))
	if extra > math.MaxInt64-limit {
		return math.MaxInt64
	}
	return limit + extra
}

// EvaluateHardCap rejects when currentUsed + total exceeds the grace-extended
// cap. Committing zero tokens is always allowed.
func EvaluateHardCap(currentUsed, total, limit int64, grace float64) Decision {
	hardCap := HardCap(limit, grace)
	d := Decision{
		CurrentUsed: currentUsed,
		Requested:   total,
		Limit:       limit,
		HardCap:     hardCap,
	}
	if total <= 0 {
		d.Allowed = true
		return d
	}
	if currentUsed > hardCap || total > hardCap-currentUsed {
		return d
	}
	d.Allowed = true
	return d
}
