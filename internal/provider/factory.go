package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnconfigured is returned by every call on a provider that failed to build.
var ErrUnconfigured = errors.New("provider: not configured")

// Factory builds a provider from validated configuration.
type Factory func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to factories. The configured name is resolved
// once at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build validates cfg and creates the provider it names.
func (r *Registry) Build(cfg ProviderConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	return f(cfg)
}

// BuildOrUnconfigured is Build for the dispatcher: a configuration error is
// logged and replaced by an Unconfigured provider so every send fails and
// is retried until the configuration is fixed.
func (r *Registry) BuildOrUnconfigured(cfg ProviderConfig, log zerolog.Logger) Provider {
	p, err := r.Build(cfg)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.Type).Msg("provider not configured, deliveries will fail")
		return NewUnconfigured(cfg.Type, err)
	}
	return p
}

// DefaultRegistry registers every built-in adapter.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("mailgun", func(cfg ProviderConfig) (Provider, error) {
		return NewMailgun(cfg, NewHTTPClient(cfg.Timeout)), nil
	})
	r.Register("sendgrid", func(cfg ProviderConfig) (Provider, error) {
		return NewSendGrid(cfg, NewHTTPClient(cfg.Timeout)), nil
	})
	r.Register("ses", func(cfg ProviderConfig) (Provider, error) {
		return NewSESFromConfig(context.Background(), cfg)
	})
	r.Register("resend", func(cfg ProviderConfig) (Provider, error) {
		return NewResend(cfg), nil
	})
	r.Register("smtp", func(cfg ProviderConfig) (Provider, error) {
		return NewSMTP(cfg), nil
	})
	r.Register("stdout", func(cfg ProviderConfig) (Provider, error) {
		return NewStdout(cfg), nil
	})
	r.Register("file", func(cfg ProviderConfig) (Provider, error) {
		return NewFile(cfg), nil
	})
	return r
}

// Unconfigured stands in for a provider whose configuration is missing or
// invalid.
type Unconfigured struct {
	name string
	err  error
}

// NewUnconfigured creates an Unconfigured provider reporting cause.
func NewUnconfigured(name string, cause error) *Unconfigured {
	if name == "" {
		name = "unconfigured"
	}
	return &Unconfigured{name: name, err: cause}
}

func (u *Unconfigured) Name() string { return u.name }

func (u *Unconfigured) Send(_ context.Context, _ *Message) (*Receipt, error) {
	return nil, u.cause()
}

func (u *Unconfigured) HealthCheck(_ context.Context) error {
	return u.cause()
}

func (u *Unconfigured) cause() error {
	if u.err == nil {
		return ErrUnconfigured
	}
	return fmt.Errorf("%w: %v", ErrUnconfigured, u.err)
}
