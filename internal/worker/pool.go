package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/transport"
)

// Delivery results reported per outcome.
const (
	ResultSuccess   = "success"
	ResultRejected  = "rejected"
	ResultTransient = "transient"
)

// Entry settlements reported per claimed entry.
const (
	EntryAcked        = "acked"
	EntryReleased     = "released"
	EntryDeadLettered = "dead_lettered"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnDelivery func(result string)
	OnEntry    func(settlement string)
	OnFlush    func(d time.Duration)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnDelivery == nil {
		h.OnDelivery = func(string) {}
	}
	if h.OnEntry == nil {
		h.OnEntry = func(string) {}
	}
	if h.OnFlush == nil {
		h.OnFlush = func(time.Duration) {}
	}
	return h
}

// Pool runs a fixed number of workers over the shared queue. Each Drain
// call builds fresh workers with their own transports, so concurrent
// drains (a scheduled one and an admin test send) never share a buffer.
// Lease exclusivity in the queue is the only coordination needed.
type Pool struct {
	size       int
	q          queue.Queue
	subs       SubscriptionLoader
	transports transport.Factory
	pruner     Reconciler
	cfg        Config
	logger     *zap.Logger
	hooks      MetricHooks

	mu      sync.Mutex
	nextRun int
}

func NewPool(
	size int,
	q queue.Queue,
	subs SubscriptionLoader,
	transports transport.Factory,
	pr Reconciler,
	cfg Config,
	logger *zap.Logger,
	hooks MetricHooks,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size: size, q: q, subs: subs, transports: transports, pruner: pr,
		cfg: cfg, logger: logger, hooks: hooks.withDefaults(),
	}
}

// Drain runs all workers until the queue has nothing claimable and returns
// the summed report. The first worker error is returned after every worker
// has stopped.
func (p *Pool) Drain(ctx context.Context) (Report, error) {
	p.mu.Lock()
	p.nextRun++
	run := p.nextRun
	p.mu.Unlock()

	var (
		mu    sync.Mutex
		total Report
		g     errgroup.Group
	)
	start := time.Now()
	for i := range p.size {
		w := NewWorker(i, p.q, p.subs, p.transports(), p.pruner, p.cfg,
			p.logger.With(zap.Int("worker_id", i), zap.Int("drain", run)), p.hooks)
		g.Go(func() error {
			r, err := w.Drain(ctx)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	if total.Entries > 0 || err != nil {
		p.logger.Info("drain finished",
			zap.Int("drain", run),
			zap.Int("entries", total.Entries),
			zap.Int("sent", total.Sent),
			zap.Int("failed", total.Failed),
			zap.Int("pruned", total.Pruned),
			zap.Int("released", total.Released),
			zap.Int("dead_lettered", total.DeadLettered),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
	return total, err
}
