package scheduler

import (
	"context"

	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/notification"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLeaser),
	fx.Provide(func(svc *draw.Service) WinnerSelector { return svc }),
	fx.Provide(func(d *notification.Dispatcher) Dispatcher { return d }),
	fx.Provide(New),
)

// Runner starts the tick loop with the application. Binaries that only
// need one-off jobs include Module without it.
var Runner = fx.Invoke(startScheduler)

func startScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	var cancel context.CancelFunc
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
