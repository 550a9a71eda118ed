package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

type pgSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPgSubscriptionRepository returns a SubscriptionRepository backed by PostgreSQL.
func NewPgSubscriptionRepository(pool *pgxpool.Pool) SubscriptionRepository {
	return &pgSubscriptionRepository{pool: pool}
}

func (r *pgSubscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (public_key, token, endpoint, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at`,
		s.PublicKey, s.Token, s.Endpoint,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrConflict
		}
		return &domain.StorageError{Op: "insert subscription", Err: err}
	}
	return nil
}

func (r *pgSubscriptionRepository) QueryIDsPage(ctx context.Context, offset, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM subscriptions ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, &domain.StorageError{Op: "query subscription ids", Err: err}
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, &domain.StorageError{Op: "scan subscription ids", Err: err}
	}
	return ids, nil
}

func (r *pgSubscriptionRepository) LoadByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	var s domain.Subscription
	err := r.pool.QueryRow(ctx, `
		SELECT id, public_key, token, endpoint, created_at
		FROM subscriptions WHERE id = $1`, id,
	).Scan(&s.ID, &s.PublicKey, &s.Token, &s.Endpoint, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "load subscription", Err: err}
	}
	return &s, nil
}

func (r *pgSubscriptionRepository) FindIDsByEndpoint(ctx context.Context, endpoint string) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM subscriptions WHERE endpoint = $1 ORDER BY id`, endpoint)
	if err != nil {
		return nil, &domain.StorageError{Op: "find subscriptions by endpoint", Err: err}
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, &domain.StorageError{Op: "scan subscription ids", Err: err}
	}
	return ids, nil
}

func (r *pgSubscriptionRepository) DeleteByEndpoint(ctx context.Context, endpoint string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return 0, &domain.StorageError{Op: "delete subscriptions", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgSubscriptionRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&n); err != nil {
		return 0, &domain.StorageError{Op: "count subscriptions", Err: err}
	}
	return n, nil
}
