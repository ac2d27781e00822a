package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/logger"
	"github.com/sungwon/bulkmail/internal/metrics"
	"github.com/sungwon/bulkmail/internal/queue"
)

// Scheduler claims and processes at most one due entry per tick.
type Scheduler struct {
	queue queue.Store
	proc  *Processor
	cfg   Config
	log   zerolog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler driving proc from q.
func NewScheduler(q queue.Store, proc *Processor, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue: q,
		proc:  proc,
		cfg:   cfg,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Tick returns abandoned claims to pending, then claims and processes one due
// entry. It returns OutcomeIdle when nothing is due. Overlapping ticks, in
// this process or another, are safe because ClaimDue hands an entry to only
// one caller, and a tick whose claim was recovered can no longer touch the
// entry.
func (s *Scheduler) Tick(ctx context.Context) (Outcome, error) {
	cid := logger.NewCorrelationID()
	ctx = logger.WithCorrelationID(ctx, cid)
	log := s.log.With().Str("correlation_id", cid).Logger()

	if n, err := s.queue.RecoverStale(ctx, s.cfg.ClaimLease); err != nil {
		log.Warn().Err(err).Msg("stale claim recovery failed")
	} else if n > 0 {
		log.Warn().Int("recovered", n).Dur("claim_lease", s.cfg.ClaimLease).Msg("returned abandoned entries to pending")
	}

	e, err := s.queue.ClaimDue(ctx)
	if errors.Is(err, queue.ErrNoDueEntry) {
		metrics.TicksTotal.WithLabelValues("idle").Inc()
		log.Debug().Msg("no due entry")
		return OutcomeIdle, nil
	}
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("claim due entry: %w", err)
	}

	outcome := s.proc.Process(ctx, e)
	metrics.TicksTotal.WithLabelValues("processed").Inc()

	if _, _, err := s.queue.Depth(ctx); err != nil {
		log.Debug().Err(err).Msg("queue depth unavailable")
	}
	return outcome, nil
}

// Start runs Tick every TickInterval until Stop. A tick still running when
// the next one is due is skipped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	cl := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.cron.Schedule(cron.Every(s.cfg.TickInterval), cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("tick failed")
		}
	}))
	s.cron.Start()
	s.log.Info().Dur("interval", s.cfg.TickInterval).Msg("scheduler started")
}

// Stop halts the schedule and waits for an in-flight tick, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("wait for in-flight tick: %w", ctx.Err())
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
