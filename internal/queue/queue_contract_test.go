package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/queue"
)

const testLease = 30 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueFactory func(t *testing.T, clock *fakeClock) queue.Queue

func item(ids ...int64) domain.NotificationItem {
	return domain.NotificationItem{IDs: ids, Title: "Hello", Body: "World", URL: "https://example.com/a"}
}

// runQueueContract exercises the behaviour every backend must share.
func runQueueContract(t *testing.T, newQueue queueFactory) {
	ctx := context.Background()

	t.Run("rejects empty batch", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		err := q.Enqueue(ctx, domain.NotificationItem{Title: "x", Body: "y"})
		assert.ErrorIs(t, err, domain.ErrEmptyBatch)
	})

	t.Run("claim on empty queue", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		e, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, e)
	})

	t.Run("claims in order and carries the item", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		require.NoError(t, q.Enqueue(ctx, item(1, 2, 3)))
		require.NoError(t, q.Enqueue(ctx, item(4)))

		first, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []int64{1, 2, 3}, first.Item.IDs)
		assert.Equal(t, "Hello", first.Item.Title)
		assert.Equal(t, "https://example.com/a", first.Item.URL)
		assert.Equal(t, 1, first.Attempts)
		assert.NotEmpty(t, first.LeaseToken)

		second, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []int64{4}, second.Item.IDs)

		_, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "both entries are leased")

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Leased: 2}, stats)
	})

	t.Run("acked entry is never claimed again", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, item(7)))

		e, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Ack(ctx, e))

		clock.Advance(10 * testLease)
		_, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, q.Ack(ctx, e), queue.ErrLeaseLost)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{}, stats)
	})

	t.Run("release with delay", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, item(1)))

		e, _, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Release(ctx, e, 5*time.Second))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Ready: 1}, stats)

		_, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "not claimable before the delay is over")

		clock.Advance(5 * time.Second)
		again, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
		assert.NotEqual(t, e.LeaseToken, again.LeaseToken)

		assert.ErrorIs(t, q.Release(ctx, e, 0), queue.ErrLeaseLost, "stale token")
	})

	t.Run("release without delay is claimable at once", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		require.NoError(t, q.Enqueue(ctx, item(1)))

		e, _, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Release(ctx, e, 0))

		again, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.ID, again.ID)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, item(10, 11)))

		crashed, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(testLease - time.Second)
		_, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "lease still held")

		clock.Advance(time.Second)
		rescued, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, crashed.ID, rescued.ID)
		assert.Equal(t, []int64{10, 11}, rescued.Item.IDs)
		assert.Equal(t, 2, rescued.Attempts)

		assert.ErrorIs(t, q.Ack(ctx, crashed), queue.ErrLeaseLost)
		require.NoError(t, q.Ack(ctx, rescued))
	})

	t.Run("dead letter", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, item(1)))

		e, _, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.DeadLetter(ctx, e, "push service unavailable"))

		clock.Advance(10 * testLease)
		_, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Dead: 1}, stats)

		assert.ErrorIs(t, q.DeadLetter(ctx, e, "again"), queue.ErrLeaseLost)
	})

	t.Run("concurrent claims lease each entry once", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		const entries = 40
		for i := range entries {
			require.NoError(t, q.Enqueue(ctx, item(int64(i+1))))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					e, ok, err := q.Claim(ctx)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					seen[e.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, entries)
		for id, n := range seen {
			assert.Equal(t, 1, n, "entry %s claimed more than once", id)
		}
	})
}
