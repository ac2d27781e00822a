package provider

import (
	"errors"
	"fmt"
	"time"
)

// ProviderConfig holds configuration for an ESP provider.
type ProviderConfig struct {
	// Type identifies the provider: "mailgun", "sendgrid", "ses", "resend",
	// "smtp", "stdout", "file".
	Type string `mapstructure:"type"`

	// APIKey is the authentication credential for the provider. For SES it
	// is the access key ID.
	APIKey string `mapstructure:"api_key"`

	// SecretKey is the SES secret access key.
	SecretKey string `mapstructure:"secret_key"`

	// Endpoint overrides the default API URL (useful for testing). The file
	// provider uses it as its output directory.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout is the maximum duration for API calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Region is used for AWS SES to determine the API endpoint.
	Region string `mapstructure:"region"`

	// Domain is the Mailgun sending domain.
	Domain string `mapstructure:"domain"`

	// SMTP relay settings.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TLSMode is "starttls" (default), "implicit" or "none".
	TLSMode string `mapstructure:"tls_mode"`
}

const defaultTimeout = 30 * time.Second

// maxRecipients is the per-request recipient limit of the adapters that send
// a batch as one API call.
var maxRecipients = map[string]int{
	"mailgun":  1000,
	"sendgrid": 1000,
}

// MaxRecipients returns the largest batch the provider type accepts in one
// call, or 0 when it has no limit.
func MaxRecipients(providerType string) int {
	return maxRecipients[providerType]
}

// EffectiveTimeout returns Timeout, or the default when it is unset.
func (c ProviderConfig) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func checkRecipientLimit(provider string, n int) error {
	if limit := MaxRecipients(provider); limit > 0 && n > limit {
		return &ProviderError{
			Provider:  provider,
			Message:   fmt.Sprintf("%d recipients exceed the limit of %d per request", n, limit),
			Permanent: true,
		}
	}
	return nil
}

// Validate checks that required fields are set based on provider type.
func (c *ProviderConfig) Validate() error {
	if c.Type == "" {
		return errors.New("provider type is required")
	}

	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	switch c.Type {
	case "sendgrid":
		if c.APIKey == "" {
			return errors.New("sendgrid: api_key is required")
		}
	case "ses":
		if c.Region == "" {
			return errors.New("ses: region is required")
		}
		if (c.APIKey == "") != (c.SecretKey == "") {
			return errors.New("ses: api_key and secret_key must be set together")
		}
	case "mailgun":
		if c.APIKey == "" {
			return errors.New("mailgun: api_key is required")
		}
		if c.Domain == "" {
			return errors.New("mailgun: domain is required")
		}
	case "resend":
		if c.APIKey == "" {
			return errors.New("resend: api_key is required")
		}
	case "smtp":
		if c.Host == "" {
			return errors.New("smtp: host is required")
		}
		if c.Port == 0 {
			c.Port = 587
		}
		switch c.TLSMode {
		case "":
			c.TLSMode = "starttls"
		case "starttls", "implicit", "none":
		default:
			return errors.New("smtp: tls_mode must be starttls, implicit or none")
		}
		if (c.Username == "") != (c.Password == "") {
			return errors.New("smtp: username and password must be set together")
		}
	case "stdout":
		// No configuration required.
	case "file":
		// Endpoint is used as output directory; optional (defaults to ./mail_output).
	default:
		return errors.New("unknown provider type: " + c.Type)
	}

	return nil
}
