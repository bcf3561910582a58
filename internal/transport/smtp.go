package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"mail-dispatch-go/internal/config"
)

// SMTPTransport sends email through an SMTP relay
type SMTPTransport struct {
	dialer      *gomail.Dialer
	defaultFrom string
}

// NewSMTPTransport creates an SMTP transport; connections are opened per send
func NewSMTPTransport(cfg config.SMTPConfig, defaultFrom string) *SMTPTransport {
	logrus.Infof("Initializing SMTP transport for host: %s, port: %d", cfg.Host, cfg.Port)
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		logrus.Warn("InsecureSkipVerify is enabled for SMTP TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &SMTPTransport{dialer: d, defaultFrom: defaultFrom}
}

// Send delivers the message and returns the generated Message-ID
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	from := fromOrDefault(msg.From, t.defaultFrom)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.dialer.Host)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if err := t.dialer.DialAndSend(m); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return "", Permanent(fmt.Errorf("smtp rejected message: %w", err))
		}
		return "", fmt.Errorf("smtp send failed: %w", err)
	}
	return messageID, nil
}

// Name returns the provider name
func (t *SMTPTransport) Name() string { return "smtp" }

// Close is a no-op; the dialer does not keep connections open
func (t *SMTPTransport) Close() error { return nil }
