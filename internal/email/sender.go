package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/academy/internal/config"
	"github.com/academy/internal/model"
)

// Sender рассылает администраторам письма о новых обращениях.
type Sender struct {
	cfg  *config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg *config.SMTPConfig) *Sender {
	s := &Sender{cfg: cfg}
	if cfg.UseTLS {
		s.send = s.sendTLS
	} else {
		s.send = smtp.SendMail
	}
	return s
}

func (s *Sender) from() string {
	if s.cfg.FromEmail != "" {
		return s.cfg.FromEmail
	}
	return s.cfg.Username
}

// SendNewTicket отправляет одно письмо всем адресам из to.
func (s *Sender) SendNewTicket(ctx context.Context, to []string, t *model.Ticket) error {
	if !s.cfg.Enabled() {
		return fmt.Errorf("email: SMTP не настроен")
	}
	if len(to) == 0 {
		return nil
	}
	msg := buildNewTicketMessage(s.cfg.FromName, s.from(), to, t, time.Now())
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.from(), to, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// sendTLS — SMTPS (обычно порт 465): TLS с первого байта, без STARTTLS.
func (s *Sender) sendTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if err := c.Auth(a); err != nil {
		return err
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildNewTicketMessage(fromName, from string, to []string, t *model.Ticket, now time.Time) []byte {
	subject := fmt.Sprintf("Новое обращение [%s]: %s", t.Type, t.Subject)
	var body strings.Builder
	fmt.Fprintf(&body, "Пользователь: %s <%s>\n", t.UserName, t.UserEmail)
	fmt.Fprintf(&body, "Тип: %s\nПриоритет: %s\n\n", t.Type, t.Priority)
	body.WriteString(t.Description)
	body.WriteString("\n")
	if c := t.Context; c != nil && c.PageURL != "" {
		fmt.Fprintf(&body, "\nСтраница: %s\n", c.PageURL)
	}
	fmt.Fprintf(&body, "\nID обращения: %s\n", t.ID)

	var buf bytes.Buffer
	buf.WriteString("From: " + mime.QEncoding.Encode("utf-8", fromName) + " <" + from + ">\r\n")
	buf.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	buf.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	buf.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return buf.Bytes()
}
