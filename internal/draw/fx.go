package draw

import (
	"github.com/smallbiznis/ticketstack/internal/notification"
	"go.uber.org/fx"
)

var Module = fx.Module("draw.service",
	fx.Provide(func(d *notification.Dispatcher) Dispatcher { return d }),
	fx.Provide(New),
)
