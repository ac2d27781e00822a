package dispatch

import (
	"errors"
	"time"
)

// Config tunes the batch pipeline.
type Config struct {
	// BatchSize is the number of recipients handed to the provider per entry.
	BatchSize int `mapstructure:"batch_size"`
	// RetryDelay postpones an entry after a failed delivery.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// TickInterval is the time between scheduler ticks.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// ClaimLease is how long an entry may stay processing before it is
	// considered abandoned and returned to pending.
	ClaimLease time.Duration `mapstructure:"claim_lease"`
	// TestMode asks the provider to accept batches without delivering them.
	TestMode bool `mapstructure:"test_mode"`
	// CampaignPrefix is prepended to the newsletter ID to form the provider
	// campaign tag. Empty disables tagging.
	CampaignPrefix string `mapstructure:"campaign_prefix"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		RetryDelay:     5 * time.Minute,
		TickInterval:   60 * time.Second,
		ClaimLease:     15 * time.Minute,
		CampaignPrefix: "newsletter-",
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("dispatch: batch_size must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New("dispatch: retry_delay must be positive")
	}
	if c.TickInterval < time.Second {
		return errors.New("dispatch: tick_interval must be at least 1s")
	}
	if c.ClaimLease <= 0 {
		return errors.New("dispatch: claim_lease must be positive")
	}
	return nil
}
