package db

import (
	"fmt"
	"strings"

	"github.com/sparlo/metering/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultSQLitePath = "metering.db"

// Dialect picks the gorm driver for DB_TYPE. Postgres is the production
// store; sqlite backs single-node development setups.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.DBType)); kind {
	case "postgres", "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", kind)
	}
}

func postgresDSN(cfg config.Config) string {
	pairs := []string{
		"host=" + cfg.DBHost,
		"port=" + cfg.DBPort,
		"user=" + cfg.DBUser,
		"password=" + cfg.DBPassword,
		"dbname=" + cfg.DBName,
		"sslmode=" + cfg.DBSSLMode,
		"TimeZone=UTC",
		"application_name=" + cfg.AppName,
	}
	out := pairs[:0]
	for _, pair := range pairs {
		if !strings.HasSuffix(pair, "=") {
			out = append(out, pair)
		}
	}
	return strings.Join(out, " ")
}

func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultSQLitePath
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// IsSQLite reports whether the connection is backed by sqlite.
func IsSQLite(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && strings.HasPrefix(conn.Dialector.Name(), "sqlite")
}
