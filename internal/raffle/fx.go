package raffle

import (
	"github.com/smallbiznis/ticketstack/internal/raffle/repository"
	"github.com/smallbiznis/ticketstack/internal/raffle/service"
	"go.uber.org/fx"
)

var Module = fx.Module("raffle.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
