package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSendBuildsMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	sender := NewSMTP(Config{Host: "mail.local", Port: 2525, From: "raffles@example.com"})
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Nil(t, a)
		return nil
	}

	err := sender.Send(context.Background(), []string{"ann@example.com"}, "Your receipt", "line one\nline two")
	require.NoError(t, err)

	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"ann@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your receipt\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "line one\r\nline two"))
}

func TestSMTPSendHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	sender := NewSMTP(Config{Host: "mail.local", Port: 25})
	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sender.Send(ctx, []string{"a@example.com"}, "s", "b"), context.DeadlineExceeded)
}

func TestSMTPSendRequiresRecipients(t *testing.T) {
	assert.ErrorIs(t, NewSMTP(Config{}).Send(context.Background(), nil, "s", "b"), ErrNoRecipients)
}
