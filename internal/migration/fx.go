package migration

import (
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			return nil
		}
		if db.IsSQLite(conn) {
			log.Info("applying sqlite schema")
			return EnsureSQLiteSchema(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB, log)
		if err != nil {
			return err
		}
		log.Info("postgres schema ready", zap.Uint("version", version))
		return nil
	}),
)
