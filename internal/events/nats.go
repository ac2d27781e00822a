package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject status changes are published on.
const DefaultSubject = "bulkmail.newsletter.status"

// natsPublisher is the subset of *nats.Conn used by NATSSink.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink forwards status changes to a NATS subject as JSON.
type NATSSink struct {
	conn    natsPublisher
	subject string
}

// NewNATSSink creates a sink publishing on subject (DefaultSubject if empty).
func NewNATSSink(conn natsPublisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, subject: subject}
}

// ConnectNATS dials the NATS server at url.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("bulkmail-dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return nc, nil
}

func (s *NATSSink) HandleStatusChanged(_ context.Context, ev StatusChanged) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("events: publish to %s: %w", s.subject, err)
	}
	return nil
}
