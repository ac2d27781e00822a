package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/resend/resend-go/v3"
)

// resendEmails is the subset of the Resend client used by Resend.
type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend implements the Provider interface for the Resend API, sending one
// personalized copy per recipient.
type Resend struct {
	emails resendEmails
}

// NewResend creates a Resend provider from the given configuration.
func NewResend(cfg ProviderConfig) *Resend {
	return &Resend{emails: resend.NewClient(cfg.APIKey).Emails}
}

func (r *Resend) Name() string { return "resend" }

func (r *Resend) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	receipt := &Receipt{Timestamp: time.Now(), Metadata: map[string]string{}}

	for _, rcpt := range msg.To {
		resp, err := r.emails.SendWithContext(ctx, r.buildRequest(msg, rcpt))
		if err != nil {
			return nil, fmt.Errorf("resend: send to %s: %w", rcpt.Email, err)
		}
		if receipt.ProviderMessageID == "" && resp != nil {
			receipt.ProviderMessageID = resp.Id
		}
		receipt.Accepted++
	}
	return receipt, nil
}

// HealthCheck reports whether a client is present. Resend has no
// side-effect-free endpoint reachable with a sending-only key.
func (r *Resend) HealthCheck(_ context.Context) error {
	if r.emails == nil {
		return fmt.Errorf("resend: client not initialized")
	}
	return nil
}

func (r *Resend) buildRequest(msg *Message, rcpt Recipient) *resend.SendEmailRequest {
	subject, html, text := personalizedCopy(msg, rcpt)
	req := &resend.SendEmailRequest{
		From:    msg.From.String(),
		To:      []string{rcpt.Email},
		Subject: subject,
		Html:    html,
		Text:    text,
		Headers: msg.Headers,
	}
	if !msg.ReplyTo.IsZero() {
		req.ReplyTo = msg.ReplyTo.String()
	}
	if msg.CampaignID != "" {
		req.Tags = append(req.Tags, resend.Tag{Name: "campaign_id", Value: msg.CampaignID})
	}
	if msg.TestMode {
		req.Tags = append(req.Tags, resend.Tag{Name: "test_mode", Value: "true"})
	}
	return req
}
