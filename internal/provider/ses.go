package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// sesSimulatorSuccess is the SES mailbox simulator address that accepts
// every message without delivering it.
const sesSimulatorSuccess = "success@simulator.amazonses.com"

// sesAPI defines the subset of the SES v2 client used by SES.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SES implements the Provider interface for the AWS SES v2 API. SES has no
// batch variable substitution, so each recipient gets a personalized copy.
type SES struct {
	client sesAPI
	region string
}

// NewSES creates an SES provider around an existing client.
func NewSES(client sesAPI, region string) *SES {
	return &SES{client: client, region: region}
}

// NewSESFromConfig builds a real SES v2 client. Static credentials are used
// when configured; otherwise the default AWS credential chain applies.
func NewSESFromConfig(ctx context.Context, cfg ProviderConfig) (*SES, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.APIKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.APIKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}

	var sesOptFns []func(*sesv2.Options)
	if cfg.Endpoint != "" {
		sesOptFns = append(sesOptFns, func(o *sesv2.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewSES(sesv2.NewFromConfig(awsCfg, sesOptFns...), cfg.Region), nil
}

func (s *SES) Name() string { return "ses" }

// Send delivers one SendEmail call per recipient and stops at the first
// failure so the whole batch is retried.
func (s *SES) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	receipt := &Receipt{
		Timestamp: time.Now(),
		Metadata:  map[string]string{"region": s.region},
	}

	for _, r := range msg.To {
		out, err := s.client.SendEmail(ctx, s.buildInput(msg, r))
		if err != nil {
			return nil, fmt.Errorf("ses: send to %s: %w", r.Email, err)
		}
		if receipt.ProviderMessageID == "" && out.MessageId != nil {
			receipt.ProviderMessageID = *out.MessageId
		}
		receipt.Accepted++
	}
	return receipt, nil
}

// HealthCheck verifies credentials and that sending is enabled on the account.
func (s *SES) HealthCheck(ctx context.Context) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("ses: health check: %w", err)
	}
	if !out.SendingEnabled {
		return fmt.Errorf("ses: sending is disabled for the account in %s", s.region)
	}
	return nil
}

func (s *SES) buildInput(msg *Message, r Recipient) *sesv2.SendEmailInput {
	subject, html, text := personalizedCopy(msg, r)

	to := r.Email
	if msg.TestMode {
		to = sesSimulatorSuccess
	}

	body := &types.Body{}
	if html != "" {
		body.Html = &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")}
	}
	if text != "" {
		body.Text = &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if !msg.ReplyTo.IsZero() {
		input.ReplyToAddresses = []string{msg.ReplyTo.String()}
	}
	if msg.CampaignID != "" {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		}
	}
	return input
}
