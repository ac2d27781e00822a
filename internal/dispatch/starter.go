package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/queue"
)

// ErrAlreadyQueued is returned when a newsletter already has a live entry.
var ErrAlreadyQueued = errors.New("dispatch: newsletter already queued")

// Starter puts a newsletter into sending and queues its first page.
type Starter struct {
	queue       queue.Store
	newsletters *newsletter.Service
	log         zerolog.Logger
}

// NewStarter creates a Starter.
func NewStarter(q queue.Store, newsletters *newsletter.Service, log zerolog.Logger) *Starter {
	return &Starter{queue: q, newsletters: newsletters, log: log}
}

// Start moves a draft or scheduled newsletter to sending and enqueues offset
// 0. A newsletter already in sending without a live entry is resumed from
// the beginning. It returns the new entry ID.
func (s *Starter) Start(ctx context.Context, newsletterID int64) (int64, error) {
	n, err := s.newsletters.Get(ctx, newsletterID)
	if err != nil {
		return 0, err
	}

	switch n.Status {
	case newsletter.StatusSent:
		return 0, fmt.Errorf("%w: newsletter %d is already sent", newsletter.ErrInvalidTransition, newsletterID)
	case newsletter.StatusSending:
		s.log.Warn().Int64("newsletter_id", newsletterID).Msg("newsletter already sending, re-queueing from offset 0")
	default:
		if _, err := s.newsletters.TransitionStatus(ctx, newsletterID, newsletter.StatusSending); err != nil {
			return 0, err
		}
	}

	id, err := s.queue.Enqueue(ctx, newsletterID, 0, 0)
	if errors.Is(err, queue.ErrDuplicateEntry) {
		return 0, fmt.Errorf("%w: newsletter %d", ErrAlreadyQueued, newsletterID)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue newsletter %d: %w", newsletterID, err)
	}

	s.log.Info().Int64("newsletter_id", newsletterID).Int64("entry_id", id).Msg("newsletter queued for sending")
	return id, nil
}
