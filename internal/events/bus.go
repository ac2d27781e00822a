// Package events carries newsletter lifecycle notifications from the
// newsletter aggregate to activity-logging collaborators.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TypeStatusChanged is the event type emitted when a newsletter's status is
// persisted with a new value.
const TypeStatusChanged = "newsletter.status_changed"

// StatusChanged describes a persisted newsletter status transition.
type StatusChanged struct {
	ID           uuid.UUID `json:"id"`
	Type         string    `json:"type"`
	NewsletterID int64     `json:"newsletter_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	At           time.Time `json:"at"`
}

// NewStatusChanged builds a StatusChanged event with a fresh ID.
func NewStatusChanged(newsletterID int64, from, to string, at time.Time) StatusChanged {
	return StatusChanged{
		ID:           uuid.New(),
		Type:         TypeStatusChanged,
		NewsletterID: newsletterID,
		From:         from,
		To:           to,
		At:           at,
	}
}

// Handler consumes published events. A returned error is logged by the bus
// and does not stop delivery to other handlers.
type Handler interface {
	HandleStatusChanged(ctx context.Context, ev StatusChanged) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev StatusChanged) error

func (f HandlerFunc) HandleStatusChanged(ctx context.Context, ev StatusChanged) error {
	return f(ctx, ev)
}

// Publisher is the emission point used by the newsletter aggregate.
type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged)
}

// Bus is an in-process, synchronous fan-out of events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	log      zerolog.Logger
}

// NewBus creates an empty event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every subscribed handler in registration order.
func (b *Bus) Publish(ctx context.Context, ev StatusChanged) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandleStatusChanged(ctx, ev); err != nil {
			b.log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Int64("newsletter_id", ev.NewsletterID).
				Msg("event handler failed")
		}
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, StatusChanged) {}
