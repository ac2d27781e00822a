package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sungwon/bulkmail/internal/queue"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const queueColumns = `id, newsletter_id, status, "offset", created_at, process_after, claimed_at, attempts`

// QueueStore implements queue.Store on the newsletter_queue table.
type QueueStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewQueueStore creates a QueueStore.
func NewQueueStore(pool *pgxpool.Pool) *QueueStore {
	return &QueueStore{pool: pool, now: time.Now}
}

// SetClock overrides the time source.
func (s *QueueStore) SetClock(now func() time.Time) {
	s.now = now
}

func scanEntry(row pgx.Row) (*queue.Entry, error) {
	var e queue.Entry
	var status string
	if err := row.Scan(&e.ID, &e.NewsletterID, &status, &e.Offset, &e.CreatedAt, &e.ProcessAfter, &e.ClaimedAt, &e.Attempt); err != nil {
		return nil, err
	}
	e.Status = queue.Status(status)
	return &e, nil
}

// execQuerier is a pool or a transaction.
type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *QueueStore) insertEntry(ctx context.Context, q execQuerier, newsletterID int64, offset int, delay time.Duration) (int64, error) {
	now := s.now()
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO newsletter_queue (newsletter_id, status, "offset", created_at, process_after)
		VALUES ($1, 'pending', $2, $3, $4)
		RETURNING id`,
		newsletterID, offset, now, now.Add(delay),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: newsletter %d", queue.ErrDuplicateEntry, newsletterID)
		}
		return 0, fmt.Errorf("insert queue entry for newsletter %d: %w", newsletterID, err)
	}
	return id, nil
}

func (s *QueueStore) Enqueue(ctx context.Context, newsletterID int64, offset int, delay time.Duration) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("queue: negative offset %d", offset)
	}
	return s.insertEntry(ctx, s.pool, newsletterID, offset, delay)
}

// ClaimDue claims in one statement. SKIP LOCKED lets concurrent claimers
// move on to the next candidate instead of queueing behind the row lock, and
// the outer status check makes the flip conditional.
func (s *QueueStore) ClaimDue(ctx context.Context) (*queue.Entry, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE newsletter_queue
		SET status = 'processing', claimed_at = $1, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM newsletter_queue
			WHERE status = 'pending' AND process_after <= $1
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending'
		RETURNING `+queueColumns, now)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNoDueEntry
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return e, nil
}

// heldWhere restricts a statement to an entry still held under a claim.
// $1 is the entry ID and $2 the attempt.
const heldWhere = `WHERE id = $1 AND status = 'processing' AND attempts = $2`

// missed explains why a claimed statement matched no row.
func missed(ctx context.Context, q execQuerier, id int64, attempt int) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM newsletter_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("look up queue entry %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", queue.ErrEntryNotFound, id)
	}
	return fmt.Errorf("%w: entry %d attempt %d", queue.ErrClaimLost, id, attempt)
}

func (s *QueueStore) Renew(ctx context.Context, id int64, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE newsletter_queue SET claimed_at = $3
		`+heldWhere, id, attempt, s.now())
	if err != nil {
		return fmt.Errorf("renew queue entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return missed(ctx, s.pool, id, attempt)
	}
	return nil
}

func (s *QueueStore) Reschedule(ctx context.Context, id int64, attempt int, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE newsletter_queue
		SET status = 'pending', process_after = $3, claimed_at = NULL
		`+heldWhere, id, attempt, s.now().Add(delay))
	if err != nil {
		return fmt.Errorf("reschedule queue entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return missed(ctx, s.pool, id, attempt)
	}
	return nil
}

func (s *QueueStore) Complete(ctx context.Context, id int64, attempt int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM newsletter_queue `+heldWhere, id, attempt)
	if err != nil {
		return fmt.Errorf("complete queue entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return missed(ctx, s.pool, id, attempt)
	}
	return nil
}

func (s *QueueStore) Advance(ctx context.Context, id int64, attempt int, offset int) (int64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var newsletterID int64
		var current int
		err := tx.QueryRow(ctx, `
			DELETE FROM newsletter_queue `+heldWhere+`
			RETURNING newsletter_id, "offset"`, id, attempt,
		).Scan(&newsletterID, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return missed(ctx, tx, id, attempt)
		}
		if err != nil {
			return fmt.Errorf("delete queue entry %d: %w", id, err)
		}
		if offset < current {
			return fmt.Errorf("queue: offset %d behind current offset %d", offset, current)
		}

		next, err = s.insertEntry(ctx, tx, newsletterID, offset, 0)
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *QueueStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE newsletter_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`,
		s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale queue entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *QueueStore) Depth(ctx context.Context) (int, int, error) {
	var pending, processing int
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing')
		FROM newsletter_queue`,
	).Scan(&pending, &processing)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, processing, nil
}
