//go:build integration

package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/storage"
)

func TestNewsletterStore_GetNotFound(t *testing.T) {
	db := resetDB(t)
	s := storage.NewNewsletterStore(db.Pool)

	if _, err := s.Get(context.Background(), 404); !errors.Is(err, newsletter.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestNewsletterStore_RecipientsDedupedFilteredOrdered(t *testing.T) {
	db := resetDB(t)
	s := storage.NewNewsletterStore(db.Pool)
	ctx := context.Background()

	nid := seedNewsletter(t, "sending")
	a := seedList(t, nid)
	b := seedList(t, nid)
	s1 := seedSubscriber(t, a, "one@example.com", "subscribed")
	s2 := seedSubscriber(t, a, "two@example.com", "subscribed")
	seedSubscriber(t, a, "gone@example.com", "unsubscribed")
	seedSubscriber(t, b, "one@example.com", "subscribed")
	s3 := seedSubscriber(t, b, "three@example.com", "subscribed")

	count, err := s.CountRecipients(ctx, nid)
	if err != nil {
		t.Fatalf("CountRecipients() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountRecipients() = %d, want 3", count)
	}

	first, err := s.ListRecipients(ctx, nid, 2, 0)
	if err != nil {
		t.Fatalf("ListRecipients() error = %v", err)
	}
	second, err := s.ListRecipients(ctx, nid, 2, 2)
	if err != nil {
		t.Fatalf("ListRecipients() error = %v", err)
	}
	got := append(first, second...)
	want := []int64{s1, s2, s3}
	if len(got) != len(want) {
		t.Fatalf("recipients = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("recipient[%d] = %d, want %d", i, got[i].ID, want[i])
		}
	}

	empty, err := s.ListRecipients(ctx, nid, 2, 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("ListRecipients() past end = %v, %v; want empty", empty, err)
	}
}

func TestNewsletterStore_UpdateStatusConditional(t *testing.T) {
	db := resetDB(t)
	s := storage.NewNewsletterStore(db.Pool)
	ctx := context.Background()
	nid := seedNewsletter(t, "draft")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ok, err := s.UpdateStatus(ctx, nid, newsletter.StatusDraft, newsletter.StatusSending, at)
	if err != nil || !ok {
		t.Fatalf("UpdateStatus() = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.UpdateStatus(ctx, nid, newsletter.StatusDraft, newsletter.StatusSending, at)
	if err != nil || ok {
		t.Errorf("stale UpdateStatus() = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.UpdateStatus(ctx, 404, newsletter.StatusDraft, newsletter.StatusSending, at); !errors.Is(err, newsletter.ErrNotFound) {
		t.Errorf("UpdateStatus() missing error = %v, want ErrNotFound", err)
	}

	sending, err := s.ListByStatus(ctx, newsletter.StatusSending)
	if err != nil || len(sending) != 1 || sending[0].ID != nid {
		t.Errorf("ListByStatus() = %v, %v; want newsletter %d", sending, err, nid)
	}
}

func TestNewsletterStore_MarkSentOnce(t *testing.T) {
	db := resetDB(t)
	s := storage.NewNewsletterStore(db.Pool)
	ctx := context.Background()

	nid := seedNewsletter(t, "sending")
	a := seedList(t, nid)
	b := seedList(t, nid)
	sub := seedSubscriber(t, a, "one@example.com", "subscribed")
	seedSubscriber(t, b, "one@example.com", "subscribed")
	unsub := seedSubscriber(t, b, "gone@example.com", "unsubscribed")

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev, changed, err := s.MarkSent(ctx, nid, at)
	if err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if !changed || prev != newsletter.StatusSending {
		t.Errorf("MarkSent() = %q, %v; want sending, true", prev, changed)
	}

	_, changed, err = s.MarkSent(ctx, nid, at.Add(time.Hour))
	if err != nil || changed {
		t.Errorf("second MarkSent() changed = %v, err = %v; want false, nil", changed, err)
	}

	n, err := s.Get(ctx, nid)
	if err != nil {
		t.Fatal(err)
	}
	if n.Status != newsletter.StatusSent || n.SentAt == nil || !n.SentAt.Equal(at) {
		t.Errorf("newsletter = %+v, want sent at %v", n, at)
	}

	for _, id := range []int64{sub, unsub} {
		var count int
		if err := db.Pool.QueryRow(ctx, `SELECT email_count FROM subscribers WHERE id = $1`, id).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("subscriber %d email_count = %d, want 1", id, count)
		}
	}

	if _, _, err := s.MarkSent(ctx, 404, at); !errors.Is(err, newsletter.ErrNotFound) {
		t.Errorf("MarkSent() missing error = %v, want ErrNotFound", err)
	}
}

func TestNewsletterStore_MarkSentRequiresSending(t *testing.T) {
	db := resetDB(t)
	s := storage.NewNewsletterStore(db.Pool)
	ctx := context.Background()

	for _, status := range []string{"draft", "scheduled"} {
		nid := seedNewsletter(t, status)
		list := seedList(t, nid)
		sub := seedSubscriber(t, list, status+"@example.com", "subscribed")

		_, changed, err := s.MarkSent(ctx, nid, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		if !errors.Is(err, newsletter.ErrInvalidTransition) || changed {
			t.Errorf("MarkSent(%s) = %v, %v; want ErrInvalidTransition, false", status, changed, err)
		}

		n, err := s.Get(ctx, nid)
		if err != nil {
			t.Fatal(err)
		}
		if string(n.Status) != status || n.SentAt != nil {
			t.Errorf("newsletter after refused MarkSent = %+v, want %s and unsent", n, status)
		}
		var count int
		if err := db.Pool.QueryRow(ctx, `SELECT email_count FROM subscribers WHERE id = $1`, sub).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("subscriber email_count = %d after refused MarkSent, want 0", count)
		}
	}
}
