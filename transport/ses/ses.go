// Package ses implements the transport.Sender contract on Amazon SES.
package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/avylove/bulkmail/transport"
	"github.com/avylove/bulkmail/types"
)

// Sender implements transport.Sender using the SES v2 API.
type Sender struct {
	client *sesv2.Client
}

// Compile-time assertion that Sender implements transport.Sender.
var _ transport.Sender = (*Sender)(nil)

// New creates a Sender from an AWS configuration.
//
// Parameters:
//   - cfg: Loaded AWS configuration (region, credentials)
//
// Returns:
//   - *Sender: A new SES-backed sender
func New(cfg aws.Config) *Sender {
	return &Sender{client: sesv2.NewFromConfig(cfg)}
}

// Connect creates a Sender from the ambient AWS configuration chain
// (environment, shared config files, instance role).
//
// Parameters:
//   - ctx: Context for the configuration lookup
//
// Returns:
//   - *Sender: A new SES-backed sender
//   - error: Configuration chain failure
func Connect(ctx context.Context) (*Sender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return New(cfg), nil
}

// Send submits one message through SES.
func (s *Sender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	body := &sestypes.Body{
		Html: &sestypes.Content{Data: aws.String(msg.HTMLBody)},
	}
	if msg.TextBody != "" {
		body.Text = &sestypes.Content{Data: aws.String(msg.TextBody)}
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.Sender),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send to %s: %w", msg.Recipient, err)
	}

	return aws.ToString(out.MessageId), nil
}
