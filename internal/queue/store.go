// Package queue is the durable work queue behind newsletter sends. One entry
// means "continue sending newsletter N from offset O"; completion is
// represented by the entry's absence.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDueEntry is returned by ClaimDue when no pending entry is due.
	ErrNoDueEntry = errors.New("queue: no due entry")
	// ErrEntryNotFound is returned when an entry ID does not exist.
	ErrEntryNotFound = errors.New("queue: entry not found")
	// ErrDuplicateEntry is returned when a newsletter already has a live entry.
	ErrDuplicateEntry = errors.New("queue: newsletter already has a live entry")
	// ErrClaimLost is returned when an entry is no longer processing under
	// the caller's claim: it was recovered, reclaimed or rescheduled since.
	ErrClaimLost = errors.New("queue: claim lost")
)

// Status is the state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// Entry is one unit of outstanding send work.
type Entry struct {
	ID           int64
	NewsletterID int64
	Status       Status
	Offset       int
	CreatedAt    time.Time
	ProcessAfter time.Time
	ClaimedAt    *time.Time
	// Attempt counts the claims of this entry. The holder of a claim passes
	// it back to Renew, Reschedule, Complete and Advance.
	Attempt int
}

// Store persists queue entries. Implementations must make ClaimDue a single
// atomic conditional write so overlapping ticks never process one entry twice.
type Store interface {
	// Enqueue creates a pending entry eligible after delay.
	Enqueue(ctx context.Context, newsletterID int64, offset int, delay time.Duration) (int64, error)
	// ClaimDue moves the earliest-created due pending entry to processing,
	// increments its Attempt and returns it, or returns ErrNoDueEntry.
	ClaimDue(ctx context.Context) (*Entry, error)

	// The claimed operations below succeed only while the entry is still
	// processing under attempt. They return ErrEntryNotFound when the entry
	// is gone and ErrClaimLost when another claim has replaced it.

	// Renew restarts the claim lease.
	Renew(ctx context.Context, id int64, attempt int) error
	// Reschedule returns the entry to pending, eligible after delay. The
	// offset is unchanged.
	Reschedule(ctx context.Context, id int64, attempt int, delay time.Duration) error
	// Complete deletes the entry.
	Complete(ctx context.Context, id int64, attempt int) error
	// Advance deletes the entry and creates its successor for the same
	// newsletter at offset, due immediately, in one atomic step.
	Advance(ctx context.Context, id int64, attempt int, offset int) (int64, error)
	// RecoverStale returns processing entries claimed or renewed more than
	// olderThan ago to pending and reports how many were recovered.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	// Depth reports the number of pending and processing entries.
	Depth(ctx context.Context) (pending, processing int, err error)
}
