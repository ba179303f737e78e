package email

import "context"

// Sender delivers a plain-text message.
type Sender interface {
	Send(ctx context.Context, to []string, subject string, body string) error
}

type NoOpSender struct{}

func (NoOpSender) Send(ctx context.Context, to []string, subject string, body string) error {
	return nil
}
