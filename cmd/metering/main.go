package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/migration"
	"github.com/sparlo/metering/internal/observability"
	"github.com/sparlo/metering/internal/scheduler"
	"github.com/sparlo/metering/internal/server"
	"github.com/sparlo/metering/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// API, services and the in-process sweeper
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.InstanceID)
}
