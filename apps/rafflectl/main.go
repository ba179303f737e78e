package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rafflectl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "rafflectl"
	app.Usage = "Operate the raffle backend"
	app.Action = cli.ShowAppHelp
	app.Commands = []*cli.Command{
		{
			Action:      tickAction,
			Name:        "tick",
			Usage:       "Run every scheduler job once",
			Category:    "Scheduler",
			Description: `Advances raffle statuses, draws winners for ended raffles and queues end-of-raffle reminders.`,
		},
		{
			Action:   drawAction,
			Name:     "draw",
			Usage:    "Draw the winner of an ended raffle now",
			Category: "Scheduler",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "raffle-id", Required: true},
				&cli.StringFlag{Name: "operator", Value: os.Getenv("USER"), Usage: "name recorded as the acting operator"},
			},
		},
		{
			Action:   chanceAction,
			Name:     "chance",
			Usage:    "Show a user's chance of winning a raffle",
			Category: "Raffles",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "raffle-id", Required: true},
				&cli.StringFlag{Name: "user-id", Required: true},
			},
		},
		{
			Name:     "raffle",
			Usage:    "Manage raffles",
			Category: "Raffles",
			Subcommands: []*cli.Command{
				{
					Action: createRaffleAction,
					Name:   "create",
					Usage:  "Create a raffle",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "title", Required: true},
						&cli.StringFlag{Name: "description"},
						&cli.StringFlag{Name: "price", Required: true, Usage: "ticket price, e.g. 5.00"},
						&cli.StringFlag{Name: "start", Required: true, Usage: "RFC3339 start time"},
						&cli.StringFlag{Name: "end", Required: true, Usage: "RFC3339 end time"},
						&cli.StringFlag{Name: "category"},
						&cli.Int64Flag{Name: "max-total", Usage: "total ticket cap, 0 for none"},
						&cli.Int64Flag{Name: "max-per-user", Usage: "per-user ticket cap, 0 for none"},
					},
				},
			},
		},
		{
			Action:      migrateAction,
			Name:        "migrate",
			Usage:       "Apply database migrations",
			Category:    "Database",
			Description: `Applies the embedded schema migrations. Only Postgres is migrated; other stores are left alone.`,
		},
	}
	return app
}

func parseID(cctx *cli.Context, flag string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(cctx.String(flag))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid --%s %q", flag, cctx.String(flag))
	}
	return id, nil
}

func parseTime(cctx *cli.Context, flag string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, cctx.String(flag))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return t, nil
}

func optionalCap(cctx *cli.Context, flag string) *int64 {
	if !cctx.IsSet(flag) || cctx.Int64(flag) == 0 {
		return nil
	}
	v := cctx.Int64(flag)
	return &v
}
