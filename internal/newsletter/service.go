package newsletter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/events"
)

// Store persists newsletters and resolves list membership.
type Store interface {
	// Get returns the newsletter or ErrNotFound.
	Get(ctx context.Context, id int64) (*Newsletter, error)
	// ListRecipients returns the distinct subscribed members of the
	// newsletter's lists ordered by subscriber ID, sliced to [offset, offset+limit).
	ListRecipients(ctx context.Context, id int64, limit, offset int) ([]Subscriber, error)
	// CountRecipients returns the size of the full recipient set.
	CountRecipients(ctx context.Context, id int64) (int, error)
	// UpdateStatus sets status to to only if it is currently from.
	// It reports whether a row changed.
	UpdateStatus(ctx context.Context, id int64, from, to Status, at time.Time) (bool, error)
	// MarkSent moves a sending newsletter to sent, stamps
	// sent_at and increments email_count for every subscriber across its
	// lists, all in one transaction. It returns the previous status and
	// whether the transition happened. An already sent newsletter is left
	// alone; any other status fails with ErrInvalidTransition.
	MarkSent(ctx context.Context, id int64, at time.Time) (Status, bool, error)
	// ListByStatus returns newsletters in the given status ordered by ID.
	ListByStatus(ctx context.Context, status Status) ([]Newsletter, error)
}

// Service is the newsletter aggregate used by the batch processor.
type Service struct {
	store  Store
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates the aggregate. A nil publisher discards events.
func NewService(store Store, pub events.Publisher, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		store:  store,
		events: pub,
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns a newsletter by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Newsletter, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get newsletter %d: %w", id, err)
	}
	return n, nil
}

// ListByStatus returns newsletters currently in status.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]Newsletter, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("list newsletters: unknown status %q", status)
	}
	ns, err := s.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list %s newsletters: %w", status, err)
	}
	return ns, nil
}

// Recipients returns one page of the newsletter's recipient set. Ordering is
// by subscriber ID so the same offset names the same position on every call,
// as long as list membership does not change mid-send.
func (s *Service) Recipients(ctx context.Context, id int64, limit, offset int) ([]Subscriber, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("recipients for newsletter %d: limit must be positive, got %d", id, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("recipients for newsletter %d: negative offset %d", id, offset)
	}
	subs, err := s.store.ListRecipients(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recipients for newsletter %d: %w", id, err)
	}
	return subs, nil
}

// CountRecipients returns the size of the newsletter's recipient set.
func (s *Service) CountRecipients(ctx context.Context, id int64) (int, error) {
	n, err := s.store.CountRecipients(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("count recipients for newsletter %d: %w", id, err)
	}
	return n, nil
}

// TransitionStatus validates and persists a status change and emits a
// StatusChanged event. Moving to sent goes through Finalize.
func (s *Service) TransitionStatus(ctx context.Context, id int64, to Status) (*Newsletter, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(n.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
	}

	if to == StatusSent {
		if _, err := s.Finalize(ctx, id); err != nil {
			return nil, err
		}
		return s.Get(ctx, id)
	}

	at := s.now()
	ok, err := s.store.UpdateStatus(ctx, id, n.Status, to, at)
	if err != nil {
		return nil, fmt.Errorf("update status of newsletter %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: newsletter %d changed concurrently", ErrInvalidTransition, id)
	}

	s.events.Publish(ctx, events.NewStatusChanged(id, string(n.Status), string(to), at))

	n.Status = to
	n.UpdatedAt = at
	return n, nil
}

// Finalize marks the newsletter sent. It is idempotent: only the first call
// stamps sent_at, increments subscriber email counts and emits an event.
// Only a sending newsletter can be finalized.
func (s *Service) Finalize(ctx context.Context, id int64) (bool, error) {
	at := s.now()
	prev, ok, err := s.store.MarkSent(ctx, id, at)
	if err != nil {
		return false, fmt.Errorf("finalize newsletter %d: %w", id, err)
	}
	if !ok {
		s.log.Debug().Int64("newsletter_id", id).Msg("newsletter already sent, finalize skipped")
		return false, nil
	}

	s.events.Publish(ctx, events.NewStatusChanged(id, string(prev), string(StatusSent), at))
	return true, nil
}
