// Package smtp implements a Relay that submits messages to an SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/relay"
)

// Config holds the configuration for creating an SMTP Relay.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// Dialer sends composed messages. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Relay submits messages over SMTP.
type Relay struct {
	dialer Dialer
}

// New creates an SMTP Relay.
func New(cfg Config) *Relay {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	return &Relay{dialer: d}
}

// NewWithDialer creates an SMTP Relay with a custom dialer, used for testing.
func NewWithDialer(d Dialer) *Relay {
	return &Relay{dialer: d}
}

// Submit builds a MIME message from msg and sends it in one SMTP session.
func (r *Relay) Submit(ctx context.Context, msg *email.Message) (*relay.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := buildMessage(msg)

	slog.Debug("sending via SMTP", "to", len(msg.To), "inline", len(msg.Inline))
	if err := r.dialer.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("failed to send via SMTP: %w", err)
	}

	return &relay.Receipt{Relay: r.Name()}, nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "smtp"
}

func buildMessage(msg *email.Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", relay.BodyWithLinks(msg))

	for _, att := range msg.Inline {
		settings := []gomail.FileSetting{gomail.SetCopyFunc(copyFrom(att))}
		if att.MIMEType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.MIMEType},
			}))
		}
		m.Attach(att.Name, settings...)
	}
	return m
}

func copyFrom(att email.Attachment) func(io.Writer) error {
	return func(w io.Writer) error {
		if att.Source == nil {
			return fmt.Errorf("attachment %q has no content source", att.Name)
		}
		rc, err := att.Source.Open()
		if err != nil {
			return fmt.Errorf("failed to open attachment %q: %w", att.Name, err)
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return err
	}
}
