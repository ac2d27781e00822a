package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sungwon/bulkmail/internal/api"
	"github.com/sungwon/bulkmail/internal/bootstrap"
	"github.com/sungwon/bulkmail/internal/config"
	"github.com/sungwon/bulkmail/internal/metrics"
	"github.com/sungwon/bulkmail/internal/provider"
)

const (
	shutdownTimeout  = 30 * time.Second
	poolStatInterval = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := bootstrap.NewLogger(cfg.Logging, "dispatcher")
	log.Info().Msg("starting dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire pipeline")
	}
	defer app.Close()

	health := provider.NewHealthChecker(cfg.Ops.HealthInterval, log, app.Provider)
	health.Start(ctx)
	defer health.Stop()

	srv := &http.Server{
		Addr: cfg.Ops.Addr(),
		Handler: api.NewRouter(api.RouterDeps{
			Log:    log,
			Checks: app.ReadyChecks(),
			Health: health,
			Queue:  app.Queue,
		}),
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		app.Scheduler.Start()
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Scheduler.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("scheduler did not stop cleanly")
		}
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(poolStatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.ObservePool(app.DB.Stats())
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("dispatcher exited with error")
		return
	}
	log.Info().Msg("dispatcher stopped")
}
