package user

import (
	"github.com/smallbiznis/ticketstack/internal/user/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("user",
	fx.Provide(repository.Provide),
)
