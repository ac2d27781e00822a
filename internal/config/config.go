// Package config loads dispatcher and CLI configuration from config.yaml,
// an optional .env file and BULKMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sungwon/bulkmail/internal/archive"
	"github.com/sungwon/bulkmail/internal/dispatch"
	"github.com/sungwon/bulkmail/internal/provider"
	"github.com/sungwon/bulkmail/internal/queue"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig          `mapstructure:"database"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Queue     queue.Config            `mapstructure:"queue"`
	Dispatch  dispatch.Config         `mapstructure:"dispatch"`
	Provider  provider.ProviderConfig `mapstructure:"provider"`
	Templates TemplatesConfig         `mapstructure:"templates"`
	Archive   archive.Config          `mapstructure:"archive"`
	Events    EventsConfig            `mapstructure:"events"`
	Ops       OpsConfig               `mapstructure:"ops"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrateOnStart applies pending migrations when the dispatcher boots.
	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxFiles   int    `mapstructure:"max_files"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TemplatesConfig selects the theme wrapped around every newsletter body.
type TemplatesConfig struct {
	// ThemeFile is a YAML theme; empty uses the built-in theme.
	ThemeFile string `mapstructure:"theme_file"`
	// Format is the markup of newsletter bodies: html or markdown.
	Format string `mapstructure:"format"`
}

// EventsConfig configures the status-change sinks.
type EventsConfig struct {
	// NATSURL enables the NATS sink when set.
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	// ActivityLog writes every status change to the application log.
	ActivityLog bool `mapstructure:"activity_log"`
}

// OpsConfig holds the operational HTTP server configuration.
type OpsConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// HealthInterval is the provider health check period.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// Addr returns host:port for the ops listener.
func (o OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "/var/log/bulkmail/dispatcher.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 30)

	q := queue.DefaultConfig()
	v.SetDefault("queue.type", q.Type)
	v.SetDefault("queue.redis_addr", q.RedisAddr)
	v.SetDefault("queue.redis_password", q.RedisPassword)
	v.SetDefault("queue.redis_db", q.RedisDB)
	v.SetDefault("queue.key_prefix", q.KeyPrefix)

	d := dispatch.DefaultConfig()
	v.SetDefault("dispatch.batch_size", d.BatchSize)
	v.SetDefault("dispatch.retry_delay", d.RetryDelay)
	v.SetDefault("dispatch.tick_interval", d.TickInterval)
	v.SetDefault("dispatch.claim_lease", d.ClaimLease)
	v.SetDefault("dispatch.test_mode", d.TestMode)
	v.SetDefault("dispatch.campaign_prefix", d.CampaignPrefix)

	v.SetDefault("provider.type", "stdout")
	for _, key := range []string{"api_key", "secret_key", "endpoint", "region", "domain", "host", "username", "password", "tls_mode"} {
		v.SetDefault("provider."+key, "")
	}
	v.SetDefault("provider.port", 0)
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("templates.theme_file", "")
	v.SetDefault("templates.format", "html")

	v.SetDefault("archive.type", "none")
	v.SetDefault("archive.path", "./archive")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "newsletters/")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_region", "us-east-1")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "bulkmail.newsletter.status")
	v.SetDefault("events.activity_log", true)

	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.read_timeout", 5*time.Second)
	v.SetDefault("ops.write_timeout", 10*time.Second)
	v.SetDefault("ops.health_interval", 30*time.Second)
}

// Load reads configuration from config.yaml in configPath. A missing file is
// not an error; defaults and the environment still apply. A .env file in the
// working directory is loaded first without overriding variables already set.
// Environment variables with prefix BULKMAIL_ override file values, for
// example BULKMAIL_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("BULKMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings the dispatcher cannot run without. Provider
// settings are checked when the provider is built.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Database.PoolMax > 0 && c.Database.PoolMin > c.Database.PoolMax {
		errs = append(errs, fmt.Errorf("database.pool_min %d exceeds pool_max %d", c.Database.PoolMin, c.Database.PoolMax))
	}

	switch c.Queue.Type {
	case "", "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.type %q must be postgres, redis or memory", c.Queue.Type))
	}
	if c.Queue.Type == "redis" && c.Queue.RedisAddr == "" {
		errs = append(errs, errors.New("queue.redis_addr is required for the redis queue"))
	}

	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	if limit := provider.MaxRecipients(c.Provider.Type); limit > 0 && c.Dispatch.BatchSize > limit {
		errs = append(errs, fmt.Errorf("dispatch.batch_size %d exceeds the %s limit of %d recipients per request",
			c.Dispatch.BatchSize, c.Provider.Type, limit))
	}
	// A lost claim cancels delivery at most two renewals (two thirds of the
	// lease) after the last good one; the provider call in flight must still
	// end before the lease does.
	if timeout := c.Provider.EffectiveTimeout(); c.Dispatch.ClaimLease > 0 && c.Dispatch.ClaimLease <= 3*timeout {
		errs = append(errs, fmt.Errorf("dispatch.claim_lease %s must exceed three provider timeouts (%s)",
			c.Dispatch.ClaimLease, 3*timeout))
	}

	switch c.Templates.Format {
	case "html", "markdown":
	default:
		errs = append(errs, fmt.Errorf("templates.format %q must be html or markdown", c.Templates.Format))
	}

	switch c.Logging.Output {
	case "", "stdout", "console", "file":
	default:
		errs = append(errs, fmt.Errorf("logging.output %q must be stdout, console or file", c.Logging.Output))
	}

	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		errs = append(errs, fmt.Errorf("ops.port %d out of range", c.Ops.Port))
	}

	return errors.Join(errs...)
}
