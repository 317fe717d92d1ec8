// Package notify alerts operators by email when a segment could not be
// delivered to its room.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 2

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Alert describes one exhausted segment delivery.
type Alert struct {
	EmailID    string
	RoomID     string
	From       string
	Subject    string
	Date       time.Time
	Attempts   int
	LastStatus int
	Detail     string

	// Body is the text of the segment that was not delivered.
	Body string
}

// SESConfig holds the configuration for creating a SESNotifier.
type SESConfig struct {
	Region          string   `yaml:"region"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Sender          string   `yaml:"sender"`
	Recipients      []string `yaml:"recipients"`
}

// Enabled reports whether enough is configured to send alerts.
func (c SESConfig) Enabled() bool {
	return c.Region != "" && c.Sender != "" && len(c.Recipients) > 0
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier mails alerts to operators via the AWS SES v2 API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All operator alerts flow through this notifier when SES is configured
type SESNotifier struct {
	sender     string
	recipients []string
	client     SendEmailAPI
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewSES creates a new SESNotifier with the given configuration.
func NewSES(ctx context.Context, cfg SESConfig) (*SESNotifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("ses notifier requires region, sender and recipients")
	}

	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESWithClient(cfg.Sender, cfg.Recipients, sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESWithClient creates a SESNotifier with a custom client, used for testing.
func NewSESWithClient(sender string, recipients []string, client SendEmailAPI) *SESNotifier {
	return &SESNotifier{
		sender:     sender,
		recipients: recipients,
		client:     client,
		sleep:      sleepWithContext,
	}
}

// NotifyExhausted mails alert to the operators, retrying transient SES
// failures with exponential backoff.
func (n *SESNotifier) NotifyExhausted(ctx context.Context, alert Alert) error {
	input := buildAlertInput(n.sender, n.recipients, alert)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := n.sleep(ctx, backoffDelay(attempt-1)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := n.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("operator alert sent",
				"message_id", alert.EmailID,
				"room", alert.RoomID,
			)
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// buildAlertInput creates a simple-content SendEmailInput for alert.
func buildAlertInput(sender string, recipients []string, alert Alert) *sesv2.SendEmailInput {
	subject := fmt.Sprintf("[mail2room] delivery to %s failed", alert.RoomID)

	var b strings.Builder
	fmt.Fprintf(&b, "A message could not be posted after %d attempts.\n\n", alert.Attempts)
	fmt.Fprintf(&b, "Room: %s\n", alert.RoomID)
	fmt.Fprintf(&b, "Message-Id: %s\n", alert.EmailID)
	fmt.Fprintf(&b, "From: %s\n", alert.From)
	fmt.Fprintf(&b, "Subject: %s\n", alert.Subject)
	if !alert.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", alert.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "Last status: %d %s\n", alert.LastStatus, alert.Detail)
	if alert.Body != "" {
		b.WriteString("\n----- undelivered text -----\n")
		b.WriteString(alert.Body)
		b.WriteString("\n")
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: recipients,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(b.String()),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
// Delays are: 1s, 2s, 4s
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
