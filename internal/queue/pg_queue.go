package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// PostgresQueue stores entries in the delivery_queue table. Leases are
// taken with FOR UPDATE SKIP LOCKED so concurrent workers never block on,
// or double-claim, the same row. Timestamps come from the queue's clock so
// every process compares leases on the same scale.
type PostgresQueue struct {
	pool  *pgxpool.Pool
	lease time.Duration
	now   func() time.Time
}

func NewPostgresQueue(pool *pgxpool.Pool, lease time.Duration, opts ...Option) *PostgresQueue {
	o := buildOptions(opts)
	return &PostgresQueue{pool: pool, lease: lease, now: o.now}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, item domain.NotificationItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO delivery_queue (id, payload, status, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, 'ready', 0, $3, $3, $3)`,
		uuid.New(), payload, q.now().UTC(),
	)
	if err != nil {
		return &domain.StorageError{Op: "enqueue delivery batch", Err: err}
	}
	return nil
}

func (q *PostgresQueue) Claim(ctx context.Context) (*Entry, bool, error) {
	var (
		id      uuid.UUID
		payload []byte
		e       Entry
	)
	token := uuid.New()
	now := q.now().UTC()
	err := q.pool.QueryRow(ctx, `
		WITH cte AS (
		  SELECT id
		  FROM delivery_queue
		  WHERE (status = 'ready' AND available_at <= $3)
		     OR (status = 'leased' AND lease_expires_at <= $3)
		  ORDER BY available_at, seq
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_queue d
		SET status = 'leased',
		    attempts = d.attempts + 1,
		    lease_token = $1,
		    lease_expires_at = $2,
		    updated_at = $3
		FROM cte
		WHERE d.id = cte.id
		RETURNING d.id, d.payload, d.attempts, d.created_at`,
		token.String(), now.Add(q.lease), now,
	).Scan(&id, &payload, &e.Attempts, &e.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.StorageError{Op: "claim delivery batch", Err: err}
	}
	if err := json.Unmarshal(payload, &e.Item); err != nil {
		return nil, false, fmt.Errorf("decode queue entry %s: %w", id, err)
	}
	e.ID = id.String()
	e.LeaseToken = token.String()
	return &e, true, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, e *Entry) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return ErrLeaseLost
	}
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM delivery_queue
		WHERE id = $1 AND status = 'leased' AND lease_token = $2`,
		id, e.LeaseToken,
	)
	if err != nil {
		return &domain.StorageError{Op: "ack delivery batch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, e *Entry, delay time.Duration) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return ErrLeaseLost
	}
	now := q.now().UTC()
	tag, err := q.pool.Exec(ctx, `
		UPDATE delivery_queue
		SET status = 'ready',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    available_at = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'leased' AND lease_token = $2`,
		id, e.LeaseToken, now.Add(delay), now,
	)
	if err != nil {
		return &domain.StorageError{Op: "release delivery batch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, e *Entry, reason string) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return ErrLeaseLost
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE delivery_queue
		SET status = 'dead',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    last_error = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'leased' AND lease_token = $2`,
		id, e.LeaseToken, reason, q.now().UTC(),
	)
	if err != nil {
		return &domain.StorageError{Op: "dead-letter delivery batch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM delivery_queue GROUP BY status`)
	if err != nil {
		return Stats{}, &domain.StorageError{Op: "queue stats", Err: err}
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, &domain.StorageError{Op: "scan queue stats", Err: err}
		}
		switch status {
		case "ready":
			s.Ready = n
		case "leased":
			s.Leased = n
		case "dead":
			s.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, &domain.StorageError{Op: "queue stats", Err: err}
	}
	return s, nil
}

var _ Queue = (*PostgresQueue)(nil)
