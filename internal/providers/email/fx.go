package email

import (
	"strings"

	"github.com/smallbiznis/ticketstack/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Sender {
	switch strings.ToLower(strings.TrimSpace(cfg.Email.Provider)) {
	case "noop", "none", "":
		log.Warn("email delivery disabled, using noop sender")
		return NoOpSender{}
	default:
		return NewSMTP(Config{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.SMTPFrom,
		})
	}
}
