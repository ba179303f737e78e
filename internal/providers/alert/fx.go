package alert

import (
	"github.com/smallbiznis/ticketstack/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.alert",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.AdminChatID == 0 {
		log.Warn("telegram alerts disabled, using noop notifier")
		return NoOpNotifier{}
	}
	return NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.AdminChatID, log)
}
