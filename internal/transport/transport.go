// Package transport sends a single email through an external provider.
package transport

import (
	"context"
	"errors"
	"fmt"

	"mail-dispatch-go/internal/config"
)

// ErrPermanent marks a delivery failure that retrying cannot fix
var ErrPermanent = errors.New("permanent delivery failure")

// Message is the content of one email to one recipient
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	From    string
}

// Transport delivers one message and returns the provider's message id
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so IsPermanent reports true for it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was classified as permanent
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// New builds the transport selected by cfg.Provider
func New(ctx context.Context, cfg config.TransportConfig) (Transport, error) {
	switch cfg.Provider {
	case "gmail":
		return NewGmailTransport(ctx, &cfg.Gmail, cfg.DefaultFrom)
	case "ses":
		return NewSESTransport(ctx, cfg.SES, cfg.DefaultFrom)
	case "smtp":
		return NewSMTPTransport(cfg.SMTP, cfg.DefaultFrom), nil
	case "resend":
		return NewResendTransport(cfg.Resend.APIKey, cfg.DefaultFrom), nil
	case "log":
		return NewLogTransport(cfg.DefaultFrom), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Provider)
	}
}

func fromOrDefault(from, fallback string) string {
	if from != "" {
		return from
	}
	return fallback
}
