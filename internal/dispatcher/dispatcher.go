package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/settings"
)

// IDPager lists subscriber IDs in stable ascending order.
type IDPager interface {
	QueryIDsPage(ctx context.Context, offset, limit int) ([]int64, error)
}

// Enqueuer accepts expanded batches.
type Enqueuer interface {
	Enqueue(ctx context.Context, item domain.NotificationItem) error
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Get() settings.Settings
}

// Dispatcher expands a template notification into one queue entry per page
// of subscriber IDs.
type Dispatcher struct {
	subs     IDPager
	queue    Enqueuer
	settings SettingsSource
	logger   *zap.Logger
}

func New(subs IDPager, queue Enqueuer, settings SettingsSource, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{subs: subs, queue: queue, settings: settings, logger: logger}
}

// Expand pages through every subscriber ID with the configured batch size
// and enqueues a clone of tmpl per non-empty page. Paging stops at the first
// empty page. It returns the number of entries enqueued, which is also
// meaningful alongside a non-nil error: entries already enqueued stay queued.
func (d *Dispatcher) Expand(ctx context.Context, tmpl domain.NotificationItem) (int, error) {
	if !tmpl.IsTemplate() {
		return 0, domain.ErrNotTemplate
	}

	size := d.settings.Get().QueueBatchSize
	if size < settings.MinQueueBatchSize || size > settings.MaxQueueBatchSize {
		size = settings.DefaultQueueBatchSize
	}

	entries, recipients := 0, 0
	for offset := 0; ; offset += size {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		ids, err := d.subs.QueryIDsPage(ctx, offset, size)
		if err != nil {
			return entries, fmt.Errorf("expand page at offset %d: %w", offset, err)
		}
		if len(ids) == 0 {
			break
		}
		if err := d.queue.Enqueue(ctx, tmpl.WithIDs(ids)); err != nil {
			return entries, fmt.Errorf("enqueue page at offset %d: %w", offset, err)
		}
		entries++
		recipients += len(ids)
	}

	d.logger.Info("notification expanded",
		zap.String("title", tmpl.Title),
		zap.Int("entries", entries),
		zap.Int("recipients", recipients),
		zap.Int("batch_size", size),
	)
	return entries, nil
}
