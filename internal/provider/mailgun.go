package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const mailgunDefaultEndpoint = "https://api.mailgun.net"

// Mailgun implements the Provider interface for the Mailgun API. A batch is
// one request with recipient-variables, so each addressee sees only their
// own address and merge values.
type Mailgun struct {
	apiKey   string
	domain   string
	endpoint string
	client   HTTPClient
}

// NewMailgun creates a Mailgun provider from the given configuration.
func NewMailgun(cfg ProviderConfig, client HTTPClient) *Mailgun {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = mailgunDefaultEndpoint
	}
	return &Mailgun{
		apiKey:   cfg.APIKey,
		domain:   cfg.Domain,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func (m *Mailgun) Name() string { return "mailgun" }

// Send delivers a message via the Mailgun messages API. Batches above
// Mailgun's recipient limit are refused rather than split, so a failure
// never leaves part of a batch delivered.
func (m *Mailgun) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := checkRecipientLimit("mailgun", len(msg.To)); err != nil {
		return nil, err
	}
	form, err := m.buildForm(msg, msg.To)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    fmt.Sprintf("%s/v3/%s/messages", m.endpoint, m.domain),
		Headers: map[string]string{
			"Authorization": "Basic " + basicAuth("api", m.apiKey),
			"Content-Type":  "application/x-www-form-urlencoded",
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("mailgun: send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyHTTPError("mailgun", resp.StatusCode, string(resp.Body))
	}

	receipt := &Receipt{
		Timestamp: time.Now(),
		Accepted:  len(msg.To),
		Metadata:  map[string]string{"status_code": fmt.Sprintf("%d", resp.StatusCode)},
	}
	var mgResp mailgunResponse
	if err := json.Unmarshal(resp.Body, &mgResp); err == nil {
		receipt.ProviderMessageID = mgResp.ID
		receipt.Metadata["message"] = mgResp.Message
	}
	return receipt, nil
}

// HealthCheck verifies Mailgun API connectivity by requesting domain info.
func (m *Mailgun) HealthCheck(ctx context.Context) error {
	resp, err := m.client.Do(ctx, &HTTPRequest{
		Method: "GET",
		URL:    fmt.Sprintf("%s/v3/domains/%s", m.endpoint, m.domain),
		Headers: map[string]string{
			"Authorization": "Basic " + basicAuth("api", m.apiKey),
		},
	})
	if err != nil {
		return fmt.Errorf("mailgun: health check request: %w", err)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("mailgun: health check returned status %d", resp.StatusCode)
	}
	return nil
}

type mailgunResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (m *Mailgun) buildForm(msg *Message, to []Recipient) (url.Values, error) {
	vars := make(map[string]map[string]any, len(to))
	form := url.Values{}
	for _, r := range to {
		form.Add("to", r.Email)
		v := r.Vars
		if v == nil {
			v = map[string]any{}
		}
		vars[r.Email] = v
	}
	rv, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("mailgun: encode recipient variables: %w", err)
	}

	form.Set("from", msg.From.String())
	form.Set("subject", msg.Subject)
	form.Set("recipient-variables", string(rv))
	if msg.HTML != "" {
		form.Set("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Set("text", msg.Text)
	}
	if !msg.ReplyTo.IsZero() {
		form.Set("h:Reply-To", msg.ReplyTo.String())
	}
	if msg.CampaignID != "" {
		form.Set("o:tag", msg.CampaignID)
		form.Set("v:campaign_id", msg.CampaignID)
	}
	if msg.TestMode {
		form.Set("o:testmode", "yes")
	}
	for key, value := range msg.Headers {
		form.Set("h:"+key, value)
	}
	return form, nil
}

// basicAuth encodes credentials as base64 for HTTP Basic Authentication.
func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
