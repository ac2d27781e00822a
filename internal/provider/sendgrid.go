package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	sendgridDefaultEndpoint = "https://api.sendgrid.com"
	sendgridSendPath        = "/v3/mail/send"
	sendgridScopesPath      = "/v3/scopes"
)

// SendGrid implements the Provider interface for the SendGrid v3 API. Each
// recipient gets their own personalization carrying their substitutions.
type SendGrid struct {
	apiKey   string
	endpoint string
	client   HTTPClient
}

// NewSendGrid creates a SendGrid provider from the given configuration.
func NewSendGrid(cfg ProviderConfig, client HTTPClient) *SendGrid {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = sendgridDefaultEndpoint
	}
	return &SendGrid{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func (s *SendGrid) Name() string { return "sendgrid" }

// Send delivers a message via the SendGrid v3 Mail Send API as a single
// request. Batches above the personalization limit are refused.
func (s *SendGrid) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := checkRecipientLimit("sendgrid", len(msg.To)); err != nil {
		return nil, err
	}
	body, err := json.Marshal(s.buildPayload(msg, msg.To))
	if err != nil {
		return nil, fmt.Errorf("sendgrid: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    s.endpoint + sendgridSendPath,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("sendgrid: send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyHTTPError("sendgrid", resp.StatusCode, string(resp.Body))
	}

	receipt := &Receipt{
		Timestamp: time.Now(),
		Accepted:  len(msg.To),
		Metadata:  map[string]string{"status_code": fmt.Sprintf("%d", resp.StatusCode)},
	}
	if resp.Headers != nil {
		receipt.ProviderMessageID = resp.Headers["X-Message-Id"]
	}
	return receipt, nil
}

// HealthCheck verifies SendGrid API connectivity by calling the scopes endpoint.
func (s *SendGrid) HealthCheck(ctx context.Context) error {
	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: "GET",
		URL:    s.endpoint + sendgridScopesPath,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
		},
	})
	if err != nil {
		return fmt.Errorf("sendgrid: health check request: %w", err)
	}

	if resp.StatusCode != 200 {
		return fmt.Errorf("sendgrid: health check returned status %d", resp.StatusCode)
	}
	return nil
}

// sendgridPayload matches the SendGrid v3 mail/send JSON schema.
type sendgridPayload struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridEmail             `json:"from"`
	ReplyTo          *sendgridEmail            `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent         `json:"content"`
	Headers          map[string]string         `json:"headers,omitempty"`
	Categories       []string                  `json:"categories,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
	MailSettings     *sendgridMailSettings     `json:"mail_settings,omitempty"`
}

type sendgridPersonalization struct {
	To            []sendgridEmail   `json:"to"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
}

type sendgridEmail struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridMailSettings struct {
	SandboxMode sendgridToggle `json:"sandbox_mode"`
}

type sendgridToggle struct {
	Enable bool `json:"enable"`
}

func (s *SendGrid) buildPayload(msg *Message, to []Recipient) sendgridPayload {
	personalizations := make([]sendgridPersonalization, len(to))
	for i, r := range to {
		p := sendgridPersonalization{To: []sendgridEmail{{Email: r.Email}}}
		if len(r.Vars) > 0 {
			p.Substitutions = make(map[string]string, len(r.Vars))
			for k, v := range r.Vars {
				p.Substitutions["%recipient."+k+"%"] = fmt.Sprint(v)
			}
		}
		personalizations[i] = p
	}

	var content []sendgridContent
	if msg.Text != "" {
		content = append(content, sendgridContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, sendgridContent{Type: "text/html", Value: msg.HTML})
	}

	payload := sendgridPayload{
		Personalizations: personalizations,
		From:             sendgridEmail{Email: msg.From.Email, Name: msg.From.Name},
		Subject:          msg.Subject,
		Content:          content,
		Headers:          msg.Headers,
	}
	if !msg.ReplyTo.IsZero() {
		payload.ReplyTo = &sendgridEmail{Email: msg.ReplyTo.Email, Name: msg.ReplyTo.Name}
	}
	if msg.CampaignID != "" {
		payload.Categories = []string{msg.CampaignID}
		payload.CustomArgs = map[string]string{"campaign_id": msg.CampaignID}
	}
	if msg.TestMode {
		payload.MailSettings = &sendgridMailSettings{SandboxMode: sendgridToggle{Enable: true}}
	}
	return payload
}
