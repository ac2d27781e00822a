// Package newsletter owns the newsletter aggregate: its status machine and
// the stable, paginated recipient set resolved from its attached lists.
package newsletter

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a newsletter does not exist.
	ErrNotFound = errors.New("newsletter: not found")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("newsletter: invalid status transition")
)

// Status is the lifecycle state of a newsletter.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
)

// allowedTransitions lists, for each status, the statuses it may move to.
// sent is terminal.
var allowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusSending},
	StatusScheduled: {StatusDraft, StatusSending},
	StatusSending:   {StatusSent},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent:
		return true
	}
	return false
}

// CanTransition reports whether a newsletter in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Newsletter is a single email campaign.
type Newsletter struct {
	ID             int64
	Status         Status
	Subject        string
	Body           string
	FromName       string
	FromAddress    string
	ReplyToName    string
	ReplyToAddress string
	SentAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubscriberStatus is the subscription state of a subscriber.
type SubscriberStatus string

const (
	SubscriberSubscribed   SubscriberStatus = "subscribed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// Subscriber is a recipient resolved through list membership.
type Subscriber struct {
	ID         int64
	Email      string
	Status     SubscriberStatus
	EmailCount int
}
