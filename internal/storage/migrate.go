package storage

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, db *DB, log zerolog.Logger) error {
	// Shares the pool's connections; closing it would close the pool.
	sqlDB := stdlib.OpenDBFromPool(db.Pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log.With().Str("component", "migrate").Logger()})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	log zerolog.Logger
}

func (g gooseLogger) Printf(format string, args ...any) {
	g.log.Info().Msgf(format, args...)
}

// Fatalf logs only; goose returns the error to the caller as well.
func (g gooseLogger) Fatalf(format string, args ...any) {
	g.log.Error().Msgf(format, args...)
}
