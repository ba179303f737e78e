package alert

import (
	"context"
	"errors"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("alert_not_configured")

// Notifier pages an operator. Implementations must not block for long.
type Notifier interface {
	Alert(ctx context.Context, text string) error
}

type NoOpNotifier struct{}

func (NoOpNotifier) Alert(ctx context.Context, text string) error { return nil }

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to a single admin chat. The bot is authorized on
// first use so startup does not depend on Telegram being reachable.
type Telegram struct {
	token  string
	chatID int64
	log    *zap.Logger
	dial   func(token string) (botSender, error)

	mu  sync.Mutex
	bot botSender
}

func NewTelegram(token string, chatID int64, log *zap.Logger) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		token:  token,
		chatID: chatID,
		log:    log.Named("alert.telegram"),
		dial: func(token string) (botSender, error) {
			return tgbotapi.NewBotAPI(token)
		},
	}
}

func (t *Telegram) Alert(ctx context.Context, text string) error {
	if t.token == "" || t.chatID == 0 {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Warn("telegram alert failed", zap.Error(err))
		return err
	}
	return nil
}

func (t *Telegram) client() (botSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := t.dial(t.token)
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}
