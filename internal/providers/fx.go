package providers

import (
	"github.com/smallbiznis/ticketstack/internal/providers/alert"
	"github.com/smallbiznis/ticketstack/internal/providers/email"
	"github.com/smallbiznis/ticketstack/internal/providers/payment"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	alert.Module,
	email.Module,
	payment.Module,
)
