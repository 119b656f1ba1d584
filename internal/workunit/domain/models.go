package domain

import (
	"time"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindReport Kind = "report"
	KindChat   Kind = "chat"
)

func (k Kind) Valid() bool {
	return k == KindReport || k == KindChat
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// WorkUnit is one end-to-end job, e.g. a single report generation run.
type WorkUnit struct {
	WorkID       string            `gorm:"primaryKey;type:text" json:"work_id"`
	AccountID    string            `gorm:"type:text;not null" json:"account_id"`
	Kind         Kind              `gorm:"type:text;not null" json:"kind"`
	Status       Status            `gorm:"type:text;not null" json:"status"`
	ParentWorkID *string           `gorm:"type:text" json:"parent_work_id,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null" json:"updated_at"`
	TerminalAt   *time.Time        `json:"terminal_at,omitempty"`
}

func (WorkUnit) TableName() string { return "work_units" }
