package payment

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
	"github.com/smallbiznis/ticketstack/internal/providers/payment/sandbox"
	"github.com/smallbiznis/ticketstack/internal/providers/payment/square"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewGateway),
)

func NewGateway(cfg config.Config, log *zap.Logger) (domain.Gateway, error) {
	switch provider := strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)); provider {
	case square.ProviderName:
		return square.New(square.Config{
			AccessToken: cfg.Gateway.AccessToken,
			LocationID:  cfg.Gateway.LocationID,
			BaseURL:     cfg.Gateway.BaseURL,
			Timeout:     cfg.Gateway.Timeout,
		}, log)
	case sandbox.ProviderName:
		if cfg.IsProduction() {
			return nil, fmt.Errorf("payment provider %q is not allowed in production", provider)
		}
		log.Warn("using sandbox payment gateway")
		return sandbox.New(), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", provider)
	}
}
