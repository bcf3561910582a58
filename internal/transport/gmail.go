package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mail-dispatch-go/internal/config"
)

// GmailTransport sends email through the Gmail API
type GmailTransport struct {
	service     *gmail.Service
	userEmail   string
	defaultFrom string
}

// NewGmailTransport creates a Gmail API transport from OAuth2 credentials
func NewGmailTransport(ctx context.Context, cfg *config.GmailConfig, defaultFrom string) (*GmailTransport, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}

	tokenSource := oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailTransport{
		service:     service,
		userEmail:   cfg.UserEmail,
		defaultFrom: fromOrDefault(defaultFrom, cfg.UserEmail),
	}, nil
}

// Send sends the message and returns the Gmail message id
func (t *GmailTransport) Send(ctx context.Context, msg Message) (string, error) {
	raw, err := buildMIME(fromOrDefault(msg.From, t.defaultFrom), msg, time.Now())
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to build message: %w", err))
	}

	sent, err := t.service.Users.Messages.Send(t.userEmail, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return "", Permanent(fmt.Errorf("gmail rejected message: %w", err))
		}
		return "", fmt.Errorf("gmail send failed: %w", err)
	}

	logrus.Debugf("Gmail accepted message %s for %s", sent.Id, msg.To)
	return sent.Id, nil
}

// Name returns the provider name
func (t *GmailTransport) Name() string { return "gmail" }

// Close is a no-op for the Gmail API
func (t *GmailTransport) Close() error { return nil }

// buildMIME renders a multipart/alternative message with text and html parts
func buildMIME(from string, msg Message, date time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}
	toAddr, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", []*mail.Address{toAddr})
	h.SetSubject(msg.Subject)
	h.Set("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(fromAddr.Address)))

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType+"; charset=utf-8")
		w, err := tw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
