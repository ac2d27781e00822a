package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sungwon/bulkmail/internal/newsletter"
)

const newsletterColumns = `id, status, subject, body, from_name, from_address,
	reply_to_name, reply_to_address, sent_at, created_at, updated_at`

// memberIDs selects the distinct subscriber IDs across a newsletter's lists.
const memberIDs = `
	SELECT ls.subscriber_id
	FROM list_subscribers ls
	JOIN newsletter_lists nl ON nl.list_id = ls.list_id
	WHERE nl.newsletter_id = $1`

// NewsletterStore implements newsletter.Store on Postgres.
type NewsletterStore struct {
	pool *pgxpool.Pool
}

// NewNewsletterStore creates a NewsletterStore.
func NewNewsletterStore(pool *pgxpool.Pool) *NewsletterStore {
	return &NewsletterStore{pool: pool}
}

func scanNewsletter(row pgx.Row) (*newsletter.Newsletter, error) {
	var n newsletter.Newsletter
	var status string
	err := row.Scan(&n.ID, &status, &n.Subject, &n.Body, &n.FromName, &n.FromAddress,
		&n.ReplyToName, &n.ReplyToAddress, &n.SentAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Status = newsletter.Status(status)
	return &n, nil
}

func (s *NewsletterStore) Get(ctx context.Context, id int64) (*newsletter.Newsletter, error) {
	n, err := scanNewsletter(s.pool.QueryRow(ctx,
		`SELECT `+newsletterColumns+` FROM newsletters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select newsletter %d: %w", id, err)
	}
	return n, nil
}

func (s *NewsletterStore) ListByStatus(ctx context.Context, status newsletter.Status) ([]newsletter.Newsletter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+newsletterColumns+` FROM newsletters WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select %s newsletters: %w", status, err)
	}
	defer rows.Close()

	var out []newsletter.Newsletter
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// ListRecipients pages through subscribed members ordered by subscriber ID.
// The IN subquery removes duplicates across overlapping lists.
func (s *NewsletterStore) ListRecipients(ctx context.Context, id int64, limit, offset int) ([]newsletter.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.email, s.status, s.email_count
		FROM subscribers s
		WHERE s.status = 'subscribed' AND s.id IN (`+memberIDs+`)
		ORDER BY s.id
		LIMIT $2 OFFSET $3`,
		id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select recipients of newsletter %d: %w", id, err)
	}
	defer rows.Close()

	subs := []newsletter.Subscriber{}
	for rows.Next() {
		var sub newsletter.Subscriber
		var status string
		if err := rows.Scan(&sub.ID, &sub.Email, &status, &sub.EmailCount); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		sub.Status = newsletter.SubscriberStatus(status)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *NewsletterStore) CountRecipients(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM subscribers s
		WHERE s.status = 'subscribed' AND s.id IN (`+memberIDs+`)`, id,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipients of newsletter %d: %w", id, err)
	}
	return n, nil
}

func (s *NewsletterStore) UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE newsletters SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("update newsletter %d status: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM newsletters WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check newsletter %d: %w", id, err)
	}
	if !exists {
		return false, newsletter.ErrNotFound
	}
	return false, nil
}

// MarkSent locks the newsletter row so concurrent finalizers serialize; only
// the one that observes a non-sent status increments email counts.
func (s *NewsletterStore) MarkSent(ctx context.Context, id int64, at time.Time) (newsletter.Status, bool, error) {
	var prev newsletter.Status
	var changed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM newsletters WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return newsletter.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock newsletter %d: %w", id, err)
		}
		prev = newsletter.Status(status)
		switch prev {
		case newsletter.StatusSent:
			return nil
		case newsletter.StatusSending:
		default:
			return fmt.Errorf("%w: %s -> %s", newsletter.ErrInvalidTransition, prev, newsletter.StatusSent)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE newsletters SET status = 'sent', sent_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'sending'`, id, at); err != nil {
			return fmt.Errorf("mark newsletter %d sent: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE subscribers SET email_count = email_count + 1
			WHERE id IN (`+memberIDs+`)`, id); err != nil {
			return fmt.Errorf("increment email counts for newsletter %d: %w", id, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return prev, changed, nil
}
