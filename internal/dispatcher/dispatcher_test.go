package dispatcher_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/dispatcher"
	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/repository"
	"github.com/notifyhub/web-push-notification/internal/settings"
)

type fixture struct {
	repo  *repository.MockSubscriptionRepository
	queue *queue.MemoryQueue
	store *settings.Store
	d     *dispatcher.Dispatcher
}

func newFixture(t *testing.T, subscribers, batchSize int) *fixture {
	t.Helper()
	repo := repository.NewMockSubscriptionRepository()
	for range subscribers {
		repo.Seed(domain.Subscription{PublicKey: "k", Token: "t", Endpoint: "https://push.example.com/x"})
	}
	cfg := settings.Defaults()
	cfg.QueueBatchSize = batchSize
	store := settings.NewMemoryStore(cfg, zap.NewNop())
	q := queue.NewMemoryQueue(time.Minute)
	return &fixture{
		repo:  repo,
		queue: q,
		store: store,
		d:     dispatcher.New(repo, q, store, zap.NewNop()),
	}
}

// claimAll drains the queue and returns the entries in claim order.
func (f *fixture) claimAll(t *testing.T) []*queue.Entry {
	t.Helper()
	var out []*queue.Entry
	for {
		e, ok, err := f.queue.Claim(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func template() domain.NotificationItem {
	return domain.NotificationItem{Title: "New post", Body: "Read it now", URL: "https://example.com/p/1"}
}

func TestExpand_EntryCountIsCeilOfSubscribersOverBatch(t *testing.T) {
	tests := []struct {
		name        string
		subscribers int
		batch       int
		wantSizes   []int
	}{
		{"two and a half pages", 250, 100, []int{100, 100, 50}},
		{"exact multiple", 200, 100, []int{100, 100}},
		{"single subscriber", 1, 100, []int{1}},
		{"batch of one", 3, 1, []int{1, 1, 1}},
		{"max batch", 1500, 1000, []int{1000, 500}},
		{"no subscribers", 0, 100, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.subscribers, tc.batch)

			n, err := f.d.Expand(context.Background(), template())
			require.NoError(t, err)
			assert.Equal(t, len(tc.wantSizes), n)

			var sizes []int
			for _, e := range f.claimAll(t) {
				sizes = append(sizes, len(e.Item.IDs))
			}
			assert.Equal(t, tc.wantSizes, sizes)
		})
	}
}

func TestExpand_UnionCoversEverySubscriberOnce(t *testing.T) {
	f := newFixture(t, 250, 100)

	_, err := f.d.Expand(context.Background(), template())
	require.NoError(t, err)

	var all []int64
	for _, e := range f.claimAll(t) {
		assert.Equal(t, "New post", e.Item.Title)
		assert.Equal(t, "Read it now", e.Item.Body)
		assert.Equal(t, "https://example.com/p/1", e.Item.URL)
		all = append(all, e.Item.IDs...)
	}

	want, err := f.repo.QueryIDsPage(context.Background(), 0, 1000)
	require.NoError(t, err)
	slices.Sort(all)
	assert.Equal(t, want, all)
}

func TestExpand_ReadsBatchSizeAtStart(t *testing.T) {
	f := newFixture(t, 30, 10)

	next := f.store.Get()
	next.QueueBatchSize = 15
	_, err := f.store.Update(next)
	require.NoError(t, err)

	n, err := f.d.Expand(context.Background(), template())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExpand_RejectsNonTemplate(t *testing.T) {
	f := newFixture(t, 5, 100)

	item := template()
	item.IDs = []int64{1}
	_, err := f.d.Expand(context.Background(), item)
	assert.ErrorIs(t, err, domain.ErrNotTemplate)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)
}

func TestExpand_StorageErrorIsReturned(t *testing.T) {
	f := newFixture(t, 5, 100)
	f.repo.QueryErr = &domain.StorageError{Op: "query subscription ids", Err: errors.New("connection refused")}

	n, err := f.d.Expand(context.Background(), template())
	assert.Zero(t, n)
	assert.True(t, domain.IsStorageError(err))
}

func TestExpand_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, 50, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.d.Expand(ctx, template())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
