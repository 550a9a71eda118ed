package queue

import (
	"context"
	"errors"
	"time"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// ErrLeaseLost is returned by Ack, Release and DeadLetter when the caller's
// lease expired and the entry was claimed by someone else (or already
// settled).
var ErrLeaseLost = errors.New("queue entry lease lost")

// Entry is one batch of recipients for one notification.
// The queue owns it; a worker only holds it through LeaseToken.
type Entry struct {
	ID         string
	Item       domain.NotificationItem
	Attempts   int
	EnqueuedAt time.Time
	LeaseToken string
}

// Stats is a point-in-time snapshot of the queue.
// Ready includes entries released with a delay that is not yet over.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Queue is a durable, at-least-once work queue of notification batches.
//
// Claim is atomic: an entry has at most one active lease. A lease that is
// neither acked nor released expires after the queue's lease duration and
// the entry becomes claimable again.
type Queue interface {
	Enqueue(ctx context.Context, item domain.NotificationItem) error
	// Claim leases the next claimable entry. ok is false when none is.
	Claim(ctx context.Context) (e *Entry, ok bool, err error)
	Ack(ctx context.Context, e *Entry) error
	Release(ctx context.Context, e *Entry, delay time.Duration) error
	DeadLetter(ctx context.Context, e *Entry, reason string) error
	Stats(ctx context.Context) (Stats, error)
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for leases and delays.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func validateItem(item domain.NotificationItem) error {
	if len(item.IDs) == 0 {
		return domain.ErrEmptyBatch
	}
	return nil
}
