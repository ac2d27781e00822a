package newsletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs single-process development
// runs and the pipeline tests.
type MemoryStore struct {
	mu          sync.Mutex
	newsletters map[int64]*Newsletter
	subscribers map[int64]*Subscriber
	lists       map[int64][]int64 // newsletter -> lists
	members     map[int64][]int64 // list -> subscribers
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		newsletters: make(map[int64]*Newsletter),
		subscribers: make(map[int64]*Subscriber),
		lists:       make(map[int64][]int64),
		members:     make(map[int64][]int64),
	}
}

// PutNewsletter inserts or replaces a newsletter.
func (m *MemoryStore) PutNewsletter(n Newsletter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := n
	m.newsletters[n.ID] = &cp
}

// PutSubscriber inserts or replaces a subscriber.
func (m *MemoryStore) PutSubscriber(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.subscribers[s.ID] = &cp
}

// AttachList attaches a list to a newsletter.
func (m *MemoryStore) AttachList(newsletterID, listID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[newsletterID] = append(m.lists[newsletterID], listID)
}

// AddMember adds a subscriber to a list.
func (m *MemoryStore) AddMember(listID, subscriberID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[listID] = append(m.members[listID], subscriberID)
}

// RemoveMember removes a subscriber from a list.
func (m *MemoryStore) RemoveMember(listID, subscriberID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.members[listID]
	out := ids[:0]
	for _, id := range ids {
		if id != subscriberID {
			out = append(out, id)
		}
	}
	m.members[listID] = out
}

// Subscriber returns a copy of the stored subscriber.
func (m *MemoryStore) Subscriber(id int64) (Subscriber, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return *s, true
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// memberIDs returns the distinct subscriber IDs across the newsletter's
// lists in ascending order. Caller holds m.mu.
func (m *MemoryStore) memberIDs(newsletterID int64) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, listID := range m.lists[newsletterID] {
		for _, subID := range m.members[listID] {
			if _, dup := seen[subID]; dup {
				continue
			}
			seen[subID] = struct{}{}
			ids = append(ids, subID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// recipients returns the subscribed members in ascending ID order. Caller holds m.mu.
func (m *MemoryStore) recipients(newsletterID int64) []Subscriber {
	var out []Subscriber
	for _, id := range m.memberIDs(newsletterID) {
		s, ok := m.subscribers[id]
		if !ok || s.Status != SubscriberSubscribed {
			continue
		}
		out = append(out, *s)
	}
	return out
}

func (m *MemoryStore) ListRecipients(_ context.Context, id int64, limit, offset int) ([]Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.recipients(id)
	if offset >= len(all) {
		return []Subscriber{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]Subscriber, end-offset)
	copy(page, all[offset:end])
	return page, nil
}

func (m *MemoryStore) CountRecipients(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recipients(id)), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, from, to Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id int64, at time.Time) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return "", false, ErrNotFound
	}
	prev := n.Status
	switch prev {
	case StatusSent:
		return prev, false, nil
	case StatusSending:
	default:
		return prev, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, StatusSent)
	}
	n.Status = StatusSent
	sentAt := at
	n.SentAt = &sentAt
	n.UpdatedAt = at

	// Every member of every attached list, regardless of subscription state.
	for _, subID := range m.memberIDs(id) {
		if s, ok := m.subscribers[subID]; ok {
			s.EmailCount++
		}
	}
	return prev, true, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Newsletter
	for _, n := range m.newsletters {
		if n.Status == status {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
