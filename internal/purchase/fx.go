package purchase

import (
	"github.com/smallbiznis/ticketstack/internal/notification"
	"github.com/smallbiznis/ticketstack/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(func(d *notification.Dispatcher) service.Dispatcher { return d }),
	fx.Provide(service.New),
)
