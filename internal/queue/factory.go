package queue

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownStoreType is returned by NewStore for an unrecognised Config.Type.
var ErrUnknownStoreType = errors.New("queue: unknown store type")

// NewStore selects the queue backend named by cfg.Type. The Postgres store
// lives in the storage package and is passed in by the caller; it is only
// required when the postgres backend is selected.
func NewStore(cfg Config, postgres Store) (Store, error) {
	switch cfg.Type {
	case "postgres", "":
		if postgres == nil {
			return nil, fmt.Errorf("queue: postgres backend selected but no database store supplied")
		}
		return postgres, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(client, cfg.KeyPrefix), nil

	case "memory":
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStoreType, cfg.Type)
	}
}
