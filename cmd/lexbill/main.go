package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/lock"
	"github.com/smallbiznis/lexbill/internal/migration"
	"github.com/smallbiznis/lexbill/internal/observability"
	"github.com/smallbiznis/lexbill/internal/scheduler"
	"github.com/smallbiznis/lexbill/internal/server"
	"github.com/smallbiznis/lexbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// HTTP surface and the domains behind it
		server.Module,

		// Background sweep and auto-invoicing
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
