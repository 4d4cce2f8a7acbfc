// Package outbound delivers mail produced by the pipeline.
package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strconv"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/faults"
)

// Sender delivers one fully assembled RFC822 message.
type Sender interface {
	Send(ctx context.Context, from string, recipients []string, raw []byte) error
}

// SMTPSender speaks plain SMTP or SMTPS depending on configuration.
type SMTPSender struct {
	cfg config.OutboundMailConfig
}

// NewSMTPSender builds a sender from the outbound mail settings.
func NewSMTPSender(cfg config.OutboundMailConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send performs one SMTP conversation. Every failure comes back as a
// dispatch fault so callers can keep the ticket and drop only the send.
func (s *SMTPSender) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return faults.New(faults.KindDispatch, "no recipients specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.dial()
	if err != nil {
		return faults.Wrap(faults.KindDispatch, err)
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return faults.Wrap(faults.KindDispatch, err)
	}

	if err := client.Mail(from); err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("set sender: %w", err))
	}
	for _, to := range recipients {
		if err := client.Rcpt(to); err != nil {
			return faults.Wrap(faults.KindDispatch, fmt.Errorf("set recipient %s: %w", to, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("initiate data transfer: %w", err))
	}
	if _, err := w.Write(raw); err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("close data transfer: %w", err))
	}

	if err := client.Quit(); err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("quit session: %w", err))
	}
	return nil
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	if s.cfg.TLS {
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
		if err != nil {
			return nil, fmt.Errorf("connect via smtps: %w", err)
		}
		client, err := smtp.NewClient(conn, s.cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("create smtp client: %w", err)
		}
		return client, nil
	}

	client, err := smtp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect to smtp server: %w", err)
	}
	return client, nil
}

func (s *SMTPSender) authenticate(client *smtp.Client) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil
	}
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp authentication failed: %w", err)
	}
	return nil
}
