// Package dispatch drains the newsletter queue: a scheduler claims one due
// entry per tick and the processor sends that entry's page of recipients.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/archive"
	"github.com/sungwon/bulkmail/internal/builder"
	"github.com/sungwon/bulkmail/internal/logger"
	"github.com/sungwon/bulkmail/internal/metrics"
	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/provider"
	"github.com/sungwon/bulkmail/internal/queue"
)

// Outcome is what processing did with an entry.
type Outcome string

const (
	// OutcomeIdle means no entry was due.
	OutcomeIdle Outcome = "idle"
	// OutcomeOrphaned means the entry's newsletter no longer exists.
	OutcomeOrphaned Outcome = "orphaned"
	// OutcomeAlreadySent means the newsletter was already sent.
	OutcomeAlreadySent Outcome = "already_sent"
	// OutcomeFinalized means the last page went out and the newsletter is sent.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeAdvanced means a successor entry was queued for the next page.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeRetry means the entry was postponed by the retry delay.
	OutcomeRetry Outcome = "retry"
	// OutcomeNotSending means the newsletter is not in sending and the entry
	// was dropped without delivery.
	OutcomeNotSending Outcome = "not_sending"
	// OutcomeClaimLost means another claim took over the entry and this pass
	// stopped without touching it further.
	OutcomeClaimLost Outcome = "claim_lost"
)

// errClaimLost is the cancel cause of a delivery whose claim was lost.
var errClaimLost = errors.New("dispatch: queue claim lost")

// claimLost reports whether err from a claimed queue operation means the
// entry is no longer ours.
func claimLost(err error) bool {
	return errors.Is(err, queue.ErrClaimLost) || errors.Is(err, queue.ErrEntryNotFound)
}

// Deps are the collaborators of the processor.
type Deps struct {
	Queue       queue.Store
	Newsletters *newsletter.Service
	Builder     *builder.Builder
	Provider    provider.Provider
	// Archive receives the web copy on finalize. Nil disables archiving.
	Archive archive.Store
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger zerolog.Logger
}

// Processor runs one queue entry end to end.
type Processor struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

// NewProcessor validates cfg and wires the processor.
func NewProcessor(deps Deps, cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Queue == nil:
		return nil, errors.New("dispatch: queue store is required")
	case deps.Newsletters == nil:
		return nil, errors.New("dispatch: newsletter service is required")
	case deps.Builder == nil:
		return nil, errors.New("dispatch: builder is required")
	}
	if deps.Provider == nil {
		deps.Provider = provider.NewUnconfigured("", nil)
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Processor{
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.With().Str("component", "processor").Logger(),
		now:  now,
	}, nil
}

// Process handles a claimed entry. Every path leaves the entry completed,
// advanced or rescheduled, unless the claim was lost to another worker;
// errors are logged, not returned.
func (p *Processor) Process(ctx context.Context, e *queue.Entry) Outcome {
	start := p.now()
	log := p.log.With().
		Int64("entry_id", e.ID).
		Int64("newsletter_id", e.NewsletterID).
		Int("offset", e.Offset).
		Int("attempt", e.Attempt).
		Logger()
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}

	outcome := p.process(ctx, e, log)

	metrics.BatchesTotal.WithLabelValues(string(outcome)).Inc()
	metrics.BatchDuration.Observe(p.now().Sub(start).Seconds())
	log.Info().Str("outcome", string(outcome)).Dur("elapsed", p.now().Sub(start)).Msg("queue entry processed")
	return outcome
}

func (p *Processor) process(ctx context.Context, e *queue.Entry, log zerolog.Logger) Outcome {
	n, err := p.deps.Newsletters.Get(ctx, e.NewsletterID)
	if errors.Is(err, newsletter.ErrNotFound) {
		log.Warn().Msg("newsletter no longer exists, completing orphaned entry")
		p.complete(ctx, e, log)
		return OutcomeOrphaned
	}
	if err != nil {
		return p.retry(ctx, e, log, err)
	}
	switch n.Status {
	case newsletter.StatusSending:
	case newsletter.StatusSent:
		log.Info().Msg("newsletter already sent, completing entry")
		p.complete(ctx, e, log)
		return OutcomeAlreadySent
	default:
		log.Warn().Str("status", string(n.Status)).Msg("newsletter is not sending, dropping entry without delivery")
		p.complete(ctx, e, log)
		return OutcomeNotSending
	}

	total, err := p.deps.Newsletters.CountRecipients(ctx, n.ID)
	if err != nil {
		return p.retry(ctx, e, log, err)
	}
	page, err := p.deps.Newsletters.Recipients(ctx, n.ID, p.cfg.BatchSize, e.Offset)
	if err != nil {
		return p.retry(ctx, e, log, err)
	}
	log = log.With().Int("batch", len(page)).Int("total", total).Logger()

	if len(page) == 0 {
		log.Info().Msg("no recipients left, finalizing")
		return p.finalize(ctx, e, n, log)
	}

	msg, err := p.buildMessage(n, e, page)
	if err != nil {
		return p.retry(ctx, e, log, err)
	}

	if err := p.deps.Queue.Renew(ctx, e.ID, e.Attempt); err != nil {
		if claimLost(err) {
			log.Warn().Err(err).Msg("claim lost before delivery, leaving entry to its new holder")
			return OutcomeClaimLost
		}
		return p.retry(ctx, e, log, err)
	}

	// Once the provider has the batch the rest of the pass must run even
	// if the tick is canceled.
	ctx = context.WithoutCancel(ctx)
	deliverCtx, release := p.holdClaim(ctx, e, log)
	res := provider.Deliver(deliverCtx, p.deps.Provider, msg)
	lostErr := release()
	result := "ok"
	if !res.OK {
		result = "failed"
	}
	metrics.RecipientsDeliveredTotal.WithLabelValues(p.deps.Provider.Name(), result).Add(float64(len(page)))

	if lostErr != nil {
		log.Error().Err(lostErr).Bool("delivered", res.OK).Msg("claim lost during delivery, leaving entry to its new holder")
		return OutcomeClaimLost
	}
	if !res.OK {
		return p.retry(ctx, e, log, fmt.Errorf("delivery via %s failed: %s", p.deps.Provider.Name(), res.Diagnostic))
	}
	if res.Receipt != nil && res.Receipt.ProviderMessageID != "" {
		log = log.With().Str("provider_message_id", res.Receipt.ProviderMessageID).Logger()
	}

	if len(page) < p.cfg.BatchSize || e.Offset+len(page) >= total {
		return p.finalize(ctx, e, n, log)
	}

	next := e.Offset + p.cfg.BatchSize
	nextID, err := p.deps.Queue.Advance(ctx, e.ID, e.Attempt, next)
	if claimLost(err) {
		log.Error().Err(err).Msg("claim lost after delivery, successor left to the new holder")
		return OutcomeClaimLost
	}
	if err != nil {
		return p.retry(ctx, e, log, fmt.Errorf("advance to offset %d: %w", next, err))
	}
	log.Debug().Int64("next_entry_id", nextID).Int("next_offset", next).Msg("batch delivered, successor queued")
	return OutcomeAdvanced
}

// buildMessage resolves content and renders the batch. Empty content fails
// closed before any provider call.
func (p *Processor) buildMessage(n *newsletter.Newsletter, e *queue.Entry, page []newsletter.Subscriber) (*provider.Message, error) {
	content, err := p.deps.Builder.ResolveContent(n, builder.Content{})
	if err != nil {
		return nil, err
	}
	rendered, err := p.deps.Builder.Render(content.Body, n)
	if err != nil {
		return nil, fmt.Errorf("render newsletter %d: %w", n.ID, err)
	}

	vars := p.deps.Builder.RecipientVariables(page)
	to := make([]provider.Recipient, len(page))
	for i, s := range page {
		to[i] = provider.Recipient{Email: s.Email, Vars: vars[s.Email]}
	}

	msg := &provider.Message{
		ID:       fmt.Sprintf("nl-%d-%d", n.ID, e.Offset),
		Subject:  content.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		From:     provider.Address{Name: n.FromName, Email: n.FromAddress},
		ReplyTo:  provider.Address{Name: n.ReplyToName, Email: n.ReplyToAddress},
		To:       to,
		TestMode: p.cfg.TestMode,
	}
	if p.cfg.CampaignPrefix != "" {
		msg.CampaignID = p.cfg.CampaignPrefix + strconv.FormatInt(n.ID, 10)
	}
	return msg, nil
}

// finalize marks the newsletter sent, then completes the entry. A failure to
// complete leaves the entry for the already-sent guard on its next claim.
func (p *Processor) finalize(ctx context.Context, e *queue.Entry, n *newsletter.Newsletter, log zerolog.Logger) Outcome {
	transitioned, err := p.deps.Newsletters.Finalize(ctx, n.ID)
	if err != nil {
		return p.retry(ctx, e, log, err)
	}
	p.complete(ctx, e, log)

	if transitioned {
		metrics.NewslettersFinalizedTotal.Inc()
		log.Info().Msg("newsletter sent")
		p.archive(ctx, n, log)
	}
	return OutcomeFinalized
}

func (p *Processor) archive(ctx context.Context, n *newsletter.Newsletter, log zerolog.Logger) {
	content, err := p.deps.Builder.ResolveContent(n, builder.Content{})
	if err != nil {
		return
	}
	rendered, err := p.deps.Builder.Render(content.Body, n)
	if err == nil {
		err = p.deps.Archive.Put(ctx, n.ID, []byte(provider.Personalize(rendered.HTML, nil)))
	}
	if err != nil {
		metrics.ArchiveErrorsTotal.Inc()
		log.Error().Err(err).Msg("failed to archive web copy")
	}
}

func (p *Processor) complete(ctx context.Context, e *queue.Entry, log zerolog.Logger) {
	if err := p.deps.Queue.Complete(ctx, e.ID, e.Attempt); err != nil {
		log.Error().Err(err).Msg("failed to complete queue entry")
	}
}

func (p *Processor) retry(ctx context.Context, e *queue.Entry, log zerolog.Logger, cause error) Outcome {
	log.Error().Err(cause).Dur("retry_delay", p.cfg.RetryDelay).Msg("batch failed, rescheduling")
	if err := p.deps.Queue.Reschedule(ctx, e.ID, e.Attempt, p.cfg.RetryDelay); err != nil {
		if claimLost(err) {
			log.Warn().Err(err).Msg("claim lost, entry left to its new holder")
			return OutcomeClaimLost
		}
		log.Error().Err(err).Msg("failed to reschedule queue entry")
	}
	return OutcomeRetry
}

// holdClaim renews the claim every third of the lease while a delivery runs.
// The returned context is canceled with errClaimLost once the claim is gone
// or two renewals in a row fail, so the lease cannot run out unnoticed.
// release stops renewing and reports the loss, if any.
func (p *Processor) holdClaim(ctx context.Context, e *queue.Entry, log zerolog.Logger) (context.Context, func() error) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(max(p.cfg.ClaimLease/3, time.Millisecond))
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := p.deps.Queue.Renew(ctx, e.ID, e.Attempt)
			switch {
			case err == nil:
				failures = 0
			case claimLost(err):
				cancel(fmt.Errorf("%w: %w", errClaimLost, err))
				return
			default:
				failures++
				log.Warn().Err(err).Int("failures", failures).Msg("failed to renew claim")
				if failures >= 2 {
					cancel(fmt.Errorf("%w: renewal failing: %w", errClaimLost, err))
					return
				}
			}
		}
	}()

	return ctx, func() error {
		close(done)
		<-stopped
		err := context.Cause(ctx)
		cancel(nil)
		if errors.Is(err, errClaimLost) {
			return err
		}
		return nil
	}
}
