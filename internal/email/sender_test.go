package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/config"
	"github.com/academy/internal/model"
)

func testTicket() *model.Ticket {
	return &model.Ticket{
		ID:          "t-1",
		UserName:    "Student",
		UserEmail:   "student@academy.io",
		Type:        model.TicketTypeBug,
		Subject:     "Blank screen",
		Description: "After login\nnothing renders",
		Priority:    model.PriorityHigh,
		Context:     &model.TicketContext{PageURL: "https://academy.io/course/1"},
	}
}

func TestBuildNewTicketMessage(t *testing.T) {
	msg := string(buildNewTicketMessage("Academy", "noreply@academy.io", []string{"a@x.io", "b@x.io"}, testTicket(), time.Unix(0, 0).UTC()))

	assert.Contains(t, msg, "To: a@x.io, b@x.io\r\n")
	assert.Contains(t, msg, "<noreply@academy.io>")
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
	assert.Contains(t, msg, "After login\r\nnothing renders")
	assert.Contains(t, msg, "https://academy.io/course/1")
	assert.Contains(t, msg, "t-1")
	assert.NotContains(t, strings.ReplaceAll(msg, "\r\n", ""), "\n")
}

func TestSendNewTicket(t *testing.T) {
	cfg := &config.SMTPConfig{Host: "smtp.test", Port: 587, Username: "bot@academy.io", Password: "secret"}
	s := NewSender(cfg)
	var gotAddr, gotFrom string
	var gotTo []string
	s.send = func(addr string, _ smtp.Auth, from string, to []string, _ []byte) error {
		gotAddr, gotFrom, gotTo = addr, from, to
		return nil
	}

	require.NoError(t, s.SendNewTicket(context.Background(), []string{"lead@academy.io"}, testTicket()))
	assert.Equal(t, "smtp.test:587", gotAddr)
	assert.Equal(t, "bot@academy.io", gotFrom)
	assert.Equal(t, []string{"lead@academy.io"}, gotTo)
}

func TestSendNewTicketErrors(t *testing.T) {
	s := NewSender(&config.SMTPConfig{Host: "smtp.test", Port: 587})
	assert.Error(t, s.SendNewTicket(context.Background(), []string{"lead@academy.io"}, testTicket()))

	s = NewSender(&config.SMTPConfig{Host: "smtp.test", Port: 587, Username: "u", Password: "p"})
	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 rejected") }
	assert.EqualError(t, s.SendNewTicket(context.Background(), []string{"x@y.io"}, testTicket()), "550 rejected")

	block := make(chan struct{})
	defer close(block)
	s.send = func(string, smtp.Auth, string, []string, []byte) error { <-block; return nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SendNewTicket(ctx, []string{"x@y.io"}, testTicket()), context.Canceled)
}
