package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/audit"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	"github.com/smallbiznis/lexbill/internal/invoice"
	"github.com/smallbiznis/lexbill/internal/lock"
	"github.com/smallbiznis/lexbill/internal/milestone"
	"github.com/smallbiznis/lexbill/internal/observability"
	"github.com/smallbiznis/lexbill/internal/payment"
	"github.com/smallbiznis/lexbill/internal/providers"
	"github.com/smallbiznis/lexbill/internal/reconciliation"
	"github.com/smallbiznis/lexbill/internal/scheduler"
	"github.com/smallbiznis/lexbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		// Domain services required by scheduler
		audit.Module,
		events.Module,
		providers.Module,
		milestone.Module,
		invoice.Module,
		payment.Module,
		reconciliation.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake offsets the node id so a standalone scheduler never
// shares a node with the API process.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode((cfg.NodeID + 512) % 1024)
}
