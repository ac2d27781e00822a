// Package archive keeps the web copy of every newsletter once it is sent.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no copy exists for a newsletter.
var ErrNotFound = errors.New("archive: newsletter not found")

// Store persists rendered newsletters keyed by newsletter ID.
type Store interface {
	Put(ctx context.Context, newsletterID int64, html []byte) error
	Get(ctx context.Context, newsletterID int64) ([]byte, error)
}

// Config holds configuration for creating a Store.
type Config struct {
	// Type is "none", "local" or "s3".
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// New creates a Store based on cfg. An empty or "none" type disables the
// archive; an unknown type falls back to it with a warning.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	case "", "none":
		return Nop{}, nil
	default:
		log.Warn().Str("type", cfg.Type).Msg("unsupported archive type, archiving disabled")
		return Nop{}, nil
	}
}

// Nop discards every copy.
type Nop struct{}

func (Nop) Put(context.Context, int64, []byte) error { return nil }

func (Nop) Get(_ context.Context, newsletterID int64) ([]byte, error) {
	return nil, fmt.Errorf("%w: %d", ErrNotFound, newsletterID)
}

func objectName(newsletterID int64) string {
	return fmt.Sprintf("newsletter-%d.html", newsletterID)
}
