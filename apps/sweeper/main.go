package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/observability"
	"github.com/sparlo/metering/internal/ratelimit"
	"github.com/sparlo/metering/internal/scheduler"
	"github.com/sparlo/metering/internal/tier"
	"github.com/sparlo/metering/internal/usageperiod"
	"github.com/sparlo/metering/pkg/db"
	"github.com/sparlo/metering/pkg/redisconn"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisconn.Module,
		events.Module,

		// Domain services required by the sweeper
		tier.Module,
		usageperiod.Module,
		ratelimit.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.InstanceID)
}
