package migration

import (
	"fmt"

	"gorm.io/gorm"
)

// sqliteSchema mirrors the postgres migrations. Partial unique indexes and
// cascading foreign keys behave the same on sqlite.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS work_units (
		work_id        TEXT PRIMARY KEY,
		account_id     TEXT NOT NULL,
		kind           TEXT NOT NULL DEFAULT 'report' CHECK (kind IN ('report', 'chat')),
		status         TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'succeeded', 'failed', 'cancelled')),
		parent_work_id TEXT NULL REFERENCES work_units (work_id) ON DELETE SET NULL,
		metadata       TEXT NOT NULL DEFAULT '{}',
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL,
		terminal_at    DATETIME NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_units_account ON work_units (account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_periods (
		id               INTEGER PRIMARY KEY,
		account_id       TEXT NOT NULL,
		period_start     DATETIME NOT NULL,
		period_end       DATETIME NOT NULL,
		tokens_limit     INTEGER NOT NULL CHECK (tokens_limit >= 0),
		tokens_used      INTEGER NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
		reports_count    INTEGER NOT NULL DEFAULT 0,
		chat_tokens_used INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed')),
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL,
		CHECK (period_end > period_start)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_periods_active_account ON usage_periods (account_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_usage_periods_account_start ON usage_periods (account_id, period_start)`,
	`CREATE TABLE IF NOT EXISTS step_usage_records (
		id         INTEGER PRIMARY KEY,
		work_id    TEXT NOT NULL REFERENCES work_units (work_id) ON DELETE CASCADE,
		account_id TEXT NOT NULL,
		step_name  TEXT NOT NULL,
		tokens     INTEGER NOT NULL CHECK (tokens >= 0),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (work_id, step_name)
	)`,
	`CREATE TABLE IF NOT EXISTS completion_records (
		id              INTEGER PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		account_id      TEXT NOT NULL,
		work_id         TEXT NOT NULL UNIQUE,
		period_id       INTEGER NULL REFERENCES usage_periods (id),
		outcome         TEXT NOT NULL,
		kind            TEXT NOT NULL,
		tokens          INTEGER NOT NULL CHECK (tokens >= 0),
		created_at      DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS account_tiers (
		account_id TEXT PRIMARY KEY,
		tier       TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_adjustments (
		id                    INTEGER PRIMARY KEY,
		account_id            TEXT NOT NULL,
		period_id             INTEGER NOT NULL REFERENCES usage_periods (id),
		actor                 TEXT NOT NULL,
		reason                TEXT NOT NULL,
		previous_tokens_limit INTEGER NOT NULL,
		new_tokens_limit      INTEGER NOT NULL,
		previous_tokens_used  INTEGER NOT NULL,
		new_tokens_used       INTEGER NOT NULL,
		metadata              TEXT NOT NULL DEFAULT '{}',
		created_at            DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_adjustments_account ON usage_adjustments (account_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          INTEGER PRIMARY KEY,
		account_id  TEXT NULL,
		actor_type  TEXT NOT NULL,
		actor_id    TEXT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		ip_address  TEXT NULL,
		user_agent  TEXT NULL,
		created_at  DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_account ON audit_logs (account_id, created_at, id)`,
}

// EnsureSQLiteSchema creates the metering tables on a sqlite connection.
func EnsureSQLiteSchema(conn *gorm.DB) error {
	for _, stmt := range sqliteSchema {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}
