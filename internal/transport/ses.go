package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"mail-dispatch-go/internal/config"
)

// SESTransport sends email through AWS SES
type SESTransport struct {
	client      *ses.Client
	defaultFrom string
}

// NewSESTransport loads AWS credentials from the default chain
func NewSESTransport(ctx context.Context, cfg config.SESConfig, defaultFrom string) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESTransport{client: ses.NewFromConfig(awsCfg), defaultFrom: defaultFrom}, nil
}

// Send sends the message and returns the SES message id
func (t *SESTransport) Send(ctx context.Context, msg Message) (string, error) {
	out, err := t.client.SendEmail(ctx, sesInput(fromOrDefault(msg.From, t.defaultFrom), msg))
	if err != nil {
		return "", classifySESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// Name returns the provider name
func (t *SESTransport) Name() string { return "ses" }

// Close is a no-op for SES
func (t *SESTransport) Close() error { return nil }

func sesInput(from string, msg Message) *ses.SendEmailInput {
	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	return &ses.SendEmailInput{
		Source:      aws.String(from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
}

// classifySESError marks rejections and other client-side faults permanent;
// throttling and server faults stay retryable
func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent(fmt.Errorf("ses rejected message: %w", err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && apiErr.ErrorCode() != "Throttling" {
		return Permanent(fmt.Errorf("ses send failed (%s): %w", apiErr.ErrorCode(), err))
	}
	return fmt.Errorf("ses send failed: %w", err)
}
