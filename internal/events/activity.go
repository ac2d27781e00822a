package events

import (
	"context"

	"github.com/rs/zerolog"
)

// ActivityLog writes every status change to the structured log so operators
// have an audit trail of newsletter lifecycles.
type ActivityLog struct {
	log zerolog.Logger
}

// NewActivityLog creates a handler that logs events at info level.
func NewActivityLog(log zerolog.Logger) *ActivityLog {
	return &ActivityLog{log: log.With().Str("component", "activity").Logger()}
}

func (a *ActivityLog) HandleStatusChanged(_ context.Context, ev StatusChanged) error {
	a.log.Info().
		Str("event_id", ev.ID.String()).
		Int64("newsletter_id", ev.NewsletterID).
		Str("from", ev.From).
		Str("to", ev.To).
		Time("at", ev.At).
		Msg("newsletter status changed")
	return nil
}
