package domain

import (
	"context"
	"errors"
	"time"

	"github.com/sparlo/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry is one privileged action to be written to the audit trail. Empty
// identifiers are stored as NULL.
type Entry struct {
	AccountID  string
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
}

// Query selects audit entries for one account, newest first.
type Query struct {
	pagination.Pagination
	AccountID  string
	Action     string
	TargetType string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type Page struct {
	pagination.PageInfo
	Entries []AuditLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	// RecordTx writes the entry on tx so it commits or rolls back with the
	// caller's change.
	RecordTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, query Query) (Page, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
