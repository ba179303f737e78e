package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/migration"
	"github.com/smallbiznis/ticketstack/internal/notification"
	"github.com/smallbiznis/ticketstack/internal/observability"
	obscontext "github.com/smallbiznis/ticketstack/internal/observability/context"
	"github.com/smallbiznis/ticketstack/internal/providers/alert"
	"github.com/smallbiznis/ticketstack/internal/providers/email"
	"github.com/smallbiznis/ticketstack/internal/raffle"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	"github.com/smallbiznis/ticketstack/internal/scheduler"
	"github.com/smallbiznis/ticketstack/internal/user"
	"github.com/smallbiznis/ticketstack/pkg/db"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

// operatorActor tags work started from this tool.
const operatorActor = "operator"

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		fx.NopLogger,
	)
}

// notifyingModules carries what the draw and reminder paths need. The
// dispatcher drains on stop, so queued mail is sent before exit.
func notifyingModules() fx.Option {
	return fx.Options(
		alert.Module,
		email.Module,
		user.Module,
		raffle.Module,
		notification.Module,
		draw.Module,
	)
}

func tickApp(sched **scheduler.Scheduler) fx.Option {
	return fx.Options(
		coreModules(),
		notifyingModules(),
		scheduler.Module,
		fx.Populate(sched),
	)
}

func drawApp(selector **draw.Service) fx.Option {
	return fx.Options(
		coreModules(),
		notifyingModules(),
		fx.Populate(selector),
	)
}

func raffleApp(raffles *raffledomain.Service) fx.Option {
	return fx.Options(
		coreModules(),
		raffle.Module,
		fx.Populate(raffles),
	)
}

func migrateApp() fx.Option {
	return fx.Options(
		coreModules(),
		migration.Module,
	)
}

// runWith starts a short-lived application, runs fn and stops it again.
func runWith(ctx context.Context, opts fx.Option, fn func(ctx context.Context) error) (err error) {
	app := fx.New(opts)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		err = errors.Join(err, app.Stop(stopCtx))
	}()

	return fn(ctx)
}

func tickAction(cctx *cli.Context) error {
	var sched *scheduler.Scheduler
	return runWith(cctx.Context, tickApp(&sched), func(ctx context.Context) error {
		if err := sched.RunOnce(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, "tick complete")
		return nil
	})
}

func drawAction(cctx *cli.Context) error {
	raffleID, err := parseID(cctx, "raffle-id")
	if err != nil {
		return err
	}

	var selector *draw.Service
	return runWith(cctx.Context, drawApp(&selector), func(ctx context.Context) error {
		ctx = obscontext.WithActor(ctx, operatorActor, cctx.String("operator"))
		winner, err := selector.SelectWinner(ctx, raffleID)
		switch {
		case errors.Is(err, draw.ErrNoParticipants):
			fmt.Fprintf(cctx.App.Writer, "raffle %s closed without participants\n", raffleID)
			return nil
		case err != nil:
			return err
		}
		if winner.AlreadyDrawn {
			fmt.Fprintf(cctx.App.Writer, "raffle %s was already drawn: winner %s (%d of %d tickets)\n",
				raffleID, winner.UserID, winner.Tickets, winner.TotalTickets)
			return nil
		}
		fmt.Fprintf(cctx.App.Writer, "raffle %s winner: %s (%d of %d tickets)\n",
			raffleID, winner.UserID, winner.Tickets, winner.TotalTickets)
		return nil
	})
}

func chanceAction(cctx *cli.Context) error {
	raffleID, err := parseID(cctx, "raffle-id")
	if err != nil {
		return err
	}
	userID, err := parseID(cctx, "user-id")
	if err != nil {
		return err
	}

	var raffles raffledomain.Service
	return runWith(cctx.Context, raffleApp(&raffles), func(ctx context.Context) error {
		chance, err := raffles.WinningChance(ctx, raffleID, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "user %s holds %d of %d tickets: %.2f%%\n",
			userID, chance.UserTickets, chance.TotalTickets, chance.Percent)
		return nil
	})
}

func createRaffleAction(cctx *cli.Context) error {
	price, err := decimal.NewFromString(cctx.String("price"))
	if err != nil {
		return fmt.Errorf("invalid --price: %w", err)
	}
	start, err := parseTime(cctx, "start")
	if err != nil {
		return err
	}
	end, err := parseTime(cctx, "end")
	if err != nil {
		return err
	}
	req := raffledomain.CreateRequest{
		Title:             cctx.String("title"),
		Description:       cctx.String("description"),
		Price:             price,
		Category:          cctx.String("category"),
		StartDate:         start,
		EndDate:           end,
		MaxTicketsTotal:   optionalCap(cctx, "max-total"),
		MaxTicketsPerUser: optionalCap(cctx, "max-per-user"),
	}

	var raffles raffledomain.Service
	return runWith(cctx.Context, raffleApp(&raffles), func(ctx context.Context) error {
		created, err := raffles.Create(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "created raffle %s (%s, %s)\n", created.ID, created.Category, created.Status)
		return nil
	})
}

func migrateAction(cctx *cli.Context) error {
	return runWith(cctx.Context, migrateApp(), func(context.Context) error {
		fmt.Fprintln(cctx.App.Writer, "migrations complete")
		return nil
	})
}
