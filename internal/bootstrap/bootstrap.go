// Package bootstrap assembles the delivery pipeline from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/api"
	"github.com/sungwon/bulkmail/internal/archive"
	"github.com/sungwon/bulkmail/internal/builder"
	"github.com/sungwon/bulkmail/internal/config"
	"github.com/sungwon/bulkmail/internal/dispatch"
	"github.com/sungwon/bulkmail/internal/events"
	"github.com/sungwon/bulkmail/internal/logger"
	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/provider"
	"github.com/sungwon/bulkmail/internal/queue"
	"github.com/sungwon/bulkmail/internal/storage"
)

// App is the wired pipeline shared by the dispatcher and the CLI.
type App struct {
	Log         zerolog.Logger
	DB          *storage.DB
	Queue       queue.Store
	Bus         *events.Bus
	Newsletters *newsletter.Service
	Builder     *builder.Builder
	Provider    provider.Provider
	Archive     archive.Store
	Processor   *dispatch.Processor
	Scheduler   *dispatch.Scheduler
	Starter     *dispatch.Starter

	checks  map[string]api.Pinger
	closers []func() error
}

// Stores are the persistence backends the pipeline runs on.
type Stores struct {
	Newsletters newsletter.Store
	// PostgresQueue backs queue.type "postgres"; other types ignore it.
	PostgresQueue queue.Store
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, service string) zerolog.Logger {
	return logger.NewFromConfig(logger.LoggingConfig{
		Level:      cfg.Level,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxFiles:   cfg.MaxFiles,
		MaxAgeDays: cfg.MaxAgeDays,
		Service:    service,
	})
}

// OpenDB connects to PostgreSQL and applies migrations when configured.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*storage.DB, error) {
	db, err := storage.NewDB(ctx, storage.Options{
		URL:            cfg.URL,
		MinConns:       cfg.PoolMin,
		MaxConns:       cfg.PoolMax,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := storage.Migrate(ctx, db, log); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// New connects to the database and wires the pipeline on top of it.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := OpenDB(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	app, err := Wire(ctx, cfg, log, Stores{
		Newsletters:   storage.NewNewsletterStore(db.Pool),
		PostgresQueue: storage.NewQueueStore(db.Pool),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	app.DB = db
	app.checks["database"] = db
	app.closers = append(app.closers, func() error {
		db.Close()
		return nil
	})
	return app, nil
}

// Wire builds every component on the given stores.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger, stores Stores) (*App, error) {
	if stores.Newsletters == nil {
		return nil, errors.New("bootstrap: newsletter store is required")
	}

	app := &App{
		Log:    log,
		checks: map[string]api.Pinger{},
	}

	q, err := queue.NewStore(cfg.Queue, stores.PostgresQueue)
	if err != nil {
		return nil, err
	}
	if p, ok := q.(api.Pinger); ok && cfg.Queue.Type == "redis" {
		app.checks["queue"] = p
	}
	if c, ok := q.(io.Closer); ok {
		app.closers = append(app.closers, c.Close)
	}
	app.Queue = queue.Instrument(q)

	app.Bus = events.NewBus(log)
	if cfg.Events.ActivityLog {
		app.Bus.Subscribe(events.NewActivityLog(log))
	}
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Bus.Subscribe(events.NewNATSSink(nc, cfg.Events.Subject))
		app.closers = append(app.closers, func() error {
			return nc.Drain()
		})
	}

	app.Newsletters = newsletter.NewService(stores.Newsletters, app.Bus, log)

	theme := builder.DefaultTheme()
	if cfg.Templates.ThemeFile != "" {
		theme, err = builder.LoadThemeFile(cfg.Templates.ThemeFile)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	app.Builder, err = builder.New(theme, builder.Format(cfg.Templates.Format))
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Provider = provider.DefaultRegistry().BuildOrUnconfigured(cfg.Provider, log)

	app.Archive, err = archive.New(ctx, cfg.Archive, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Processor, err = dispatch.NewProcessor(dispatch.Deps{
		Queue:       app.Queue,
		Newsletters: app.Newsletters,
		Builder:     app.Builder,
		Provider:    app.Provider,
		Archive:     app.Archive,
		Logger:      log,
	}, cfg.Dispatch)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Scheduler = dispatch.NewScheduler(app.Queue, app.Processor, cfg.Dispatch, log)
	app.Starter = dispatch.NewStarter(app.Queue, app.Newsletters, log)

	log.Info().
		Str("queue", queueType(cfg.Queue.Type)).
		Str("provider", app.Provider.Name()).
		Str("archive", cfg.Archive.Type).
		Int("batch_size", cfg.Dispatch.BatchSize).
		Bool("test_mode", cfg.Dispatch.TestMode).
		Msg("pipeline wired")

	return app, nil
}

func queueType(t string) string {
	if t == "" {
		return "postgres"
	}
	return t
}

// ReadyChecks lists the dependencies /readyz pings.
func (a *App) ReadyChecks() map[string]api.Pinger {
	out := make(map[string]api.Pinger, len(a.checks))
	for k, v := range a.checks {
		out[k] = v
	}
	return out
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
