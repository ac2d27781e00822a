package queue

// Config holds configuration for the queue store.
type Config struct {
	// Type selects the backend: "postgres" (default), "redis" or "memory".
	Type          string `mapstructure:"type"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	// KeyPrefix namespaces every Redis key the store touches.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:      "postgres",
		RedisAddr: "localhost:6379",
		RedisDB:   0,
		KeyPrefix: "bulkmail:queue:",
	}
}
