package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/migration"
	"github.com/smallbiznis/ticketstack/internal/notification"
	"github.com/smallbiznis/ticketstack/internal/observability"
	"github.com/smallbiznis/ticketstack/internal/order"
	"github.com/smallbiznis/ticketstack/internal/providers"
	"github.com/smallbiznis/ticketstack/internal/purchase"
	purchasedomain "github.com/smallbiznis/ticketstack/internal/purchase/domain"
	"github.com/smallbiznis/ticketstack/internal/raffle"
	"github.com/smallbiznis/ticketstack/internal/scheduler"
	"github.com/smallbiznis/ticketstack/internal/server"
	"github.com/smallbiznis/ticketstack/internal/user"
	"github.com/smallbiznis/ticketstack/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	fx.New(appOptions()).Run()
}

func appOptions() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		providers.Module,

		// Functional Domains
		user.Module,
		raffle.Module,
		order.Module,
		notification.Module,
		purchase.Module,
		draw.Module,
		scheduler.Module,
		scheduler.Runner,

		server.Module,
		fx.Invoke(announceReady),
	)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// announceReady builds the purchase path at startup.
func announceReady(log *zap.Logger, cfg config.Config, _ purchasedomain.Service) {
	log.Info("raffled ready",
		zap.String("payment_provider", cfg.Gateway.Provider),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
		zap.String("ops_addr", cfg.OpsAddr),
	)
}
