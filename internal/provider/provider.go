// Package provider delivers rendered newsletter batches through an email
// service provider (ESP).
package provider

import (
	"context"
	"net/mail"
	"time"
)

// Provider defines the interface for sending email through an ESP.
type Provider interface {
	// Send delivers one message to every recipient in msg.To.
	Send(ctx context.Context, msg *Message) (*Receipt, error)
	// Name returns the provider's identifier (e.g., "mailgun", "ses").
	Name() string
	// HealthCheck verifies the provider is reachable and functional.
	HealthCheck(ctx context.Context) error
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// HTTPRequest represents an outgoing HTTP request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// HTTPResponse represents an HTTP response from a provider API.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Address is a display name and mailbox pair.
type Address struct {
	Name  string
	Email string
}

// IsZero reports whether no mailbox is set.
func (a Address) IsZero() bool { return a.Email == "" }

// String formats the address for a header, quoting the name when needed.
func (a Address) String() string {
	if a.Email == "" {
		return ""
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Recipient is one addressee with the merge variables for their copy.
type Recipient struct {
	Email string
	Vars  map[string]any
}

// Message is one rendered newsletter batch.
type Message struct {
	// ID identifies the batch in logs and development output.
	ID      string
	Subject string
	HTML    string
	Text    string
	From    Address
	ReplyTo Address
	To      []Recipient
	Headers map[string]string
	// CampaignID tags the batch for provider-side analytics when set.
	CampaignID string
	// TestMode asks the provider to accept but not deliver.
	TestMode bool
}

// Emails returns the recipient addresses in order.
func (m *Message) Emails() []string {
	out := make([]string, len(m.To))
	for i, r := range m.To {
		out[i] = r.Email
	}
	return out
}

// Receipt is the provider's acknowledgement of a batch.
type Receipt struct {
	ProviderMessageID string
	Accepted          int
	Timestamp         time.Time
	Metadata          map[string]string
}
