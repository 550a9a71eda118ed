package repository

import (
	"context"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// SubscriptionRepository defines all persistence operations for push
// subscriptions. The pgx implementation is in pg_subscription_repo.go.
// Tests use a hand-written mock (mock_subscription_repo.go).
type SubscriptionRepository interface {
	Create(ctx context.Context, s *domain.Subscription) error
	// QueryIDsPage returns up to limit IDs in ascending order, skipping the
	// first offset. The order is stable across calls.
	QueryIDsPage(ctx context.Context, offset, limit int) ([]int64, error)
	LoadByID(ctx context.Context, id int64) (*domain.Subscription, error)
	FindIDsByEndpoint(ctx context.Context, endpoint string) ([]int64, error)
	// DeleteByEndpoint removes every record with the endpoint and returns how
	// many were removed. Zero is not an error.
	DeleteByEndpoint(ctx context.Context, endpoint string) (int, error)
	Count(ctx context.Context) (int, error)
}
