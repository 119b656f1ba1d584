// Package domain describes how terminal outcomes of a work unit are billed.
//
// Success, failure and cancellation all commit whatever the step ledger holds
// at that moment, each under its own idempotency key. Whichever key lands
// first is authoritative for both billing and the unit's displayed status.
// A retry never reuses the old ledger: it opens a child work unit.
package domain

import (
	"context"
	"errors"

	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
)

type Service interface {
	Reconcile(ctx context.Context, workID string, outcome completiondomain.Outcome) (completiondomain.Result, error)
	Retry(ctx context.Context, workID string, newWorkID string) (*workunitdomain.WorkUnit, error)
}

// IdempotencyKey is the key a terminal outcome commits under.
func IdempotencyKey(workID string, outcome completiondomain.Outcome) string {
	return completiondomain.IdempotencyKey(workID, outcome)
}

var ErrInvalidOutcome = errors.New("invalid_outcome")
