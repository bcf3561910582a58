package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogTransport logs messages instead of sending them
type LogTransport struct {
	defaultFrom string
}

// NewLogTransport creates a transport for local development
func NewLogTransport(defaultFrom string) *LogTransport {
	return &LogTransport{defaultFrom: defaultFrom}
}

// Send logs the message and returns a generated id
func (t *LogTransport) Send(ctx context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"message_id": id,
		"from":       fromOrDefault(msg.From, t.defaultFrom),
		"to":         msg.To,
		"subject":    msg.Subject,
	}).Info("Email delivered to log transport")
	return id, nil
}

// Name returns the provider name
func (t *LogTransport) Name() string { return "log" }

// Close is a no-op
func (t *LogTransport) Close() error { return nil }
