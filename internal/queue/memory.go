package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store for single-process runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]*Entry),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get returns a copy of the entry with the given ID.
func (m *MemoryStore) Get(id int64) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of every live entry.
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// insert adds a pending entry. Caller holds m.mu.
func (m *MemoryStore) insert(newsletterID int64, offset int, delay time.Duration) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("queue: negative offset %d", offset)
	}
	for _, e := range m.entries {
		if e.NewsletterID == newsletterID {
			return 0, fmt.Errorf("%w: newsletter %d", ErrDuplicateEntry, newsletterID)
		}
	}
	now := m.now()
	m.nextID++
	m.entries[m.nextID] = &Entry{
		ID:           m.nextID,
		NewsletterID: newsletterID,
		Status:       StatusPending,
		Offset:       offset,
		CreatedAt:    now,
		ProcessAfter: now.Add(delay),
	}
	return m.nextID, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, newsletterID int64, offset int, delay time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(newsletterID, offset, delay)
}

func (m *MemoryStore) ClaimDue(_ context.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Entry
	for _, e := range m.entries {
		if e.Status != StatusPending || e.ProcessAfter.After(now) {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.ID < best.ID) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoDueEntry
	}

	best.Status = StatusProcessing
	best.Attempt++
	claimedAt := now
	best.ClaimedAt = &claimedAt
	cp := *best
	return &cp, nil
}

// held returns the entry if it is still processing under attempt. Caller
// holds m.mu.
func (m *MemoryStore) held(id int64, attempt int) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if e.Status != StatusProcessing || e.Attempt != attempt {
		return nil, fmt.Errorf("%w: entry %d attempt %d", ErrClaimLost, id, attempt)
	}
	return e, nil
}

func (m *MemoryStore) Renew(_ context.Context, id int64, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(id, attempt)
	if err != nil {
		return err
	}
	claimedAt := m.now()
	e.ClaimedAt = &claimedAt
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id int64, attempt int, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(id, attempt)
	if err != nil {
		return err
	}
	e.Status = StatusPending
	e.ProcessAfter = m.now().Add(delay)
	e.ClaimedAt = nil
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id int64, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.held(id, attempt); err != nil {
		return err
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Advance(_ context.Context, id int64, attempt int, offset int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(id, attempt)
	if err != nil {
		return 0, err
	}
	if offset < e.Offset {
		return 0, fmt.Errorf("queue: offset %d behind current offset %d", offset, e.Offset)
	}
	delete(m.entries, id)
	return m.insert(e.NewsletterID, offset, 0)
}

func (m *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	n := 0
	for _, e := range m.entries {
		if e.Status == StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = StatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Depth(_ context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending, processing int
	for _, e := range m.entries {
		switch e.Status {
		case StatusPending:
			pending++
		case StatusProcessing:
			processing++
		}
	}
	return pending, processing, nil
}
