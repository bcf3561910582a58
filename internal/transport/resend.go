package transport

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// ResendTransport sends email through the Resend API
type ResendTransport struct {
	client      *resend.Client
	defaultFrom string
}

// NewResendTransport creates a Resend transport
func NewResendTransport(apiKey, defaultFrom string) *ResendTransport {
	return &ResendTransport{client: resend.NewClient(apiKey), defaultFrom: defaultFrom}
}

// Send sends the message and returns the Resend email id
func (t *ResendTransport) Send(ctx context.Context, msg Message) (string, error) {
	params := &resend.SendEmailRequest{
		From:    fromOrDefault(msg.From, t.defaultFrom),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	sent, err := t.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", fmt.Errorf("resend send failed: %w", err)
	}
	return sent.Id, nil
}

// Name returns the provider name
func (t *ResendTransport) Name() string { return "resend" }

// Close is a no-op for Resend
func (t *ResendTransport) Close() error { return nil }
