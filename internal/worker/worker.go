package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/pruner"
	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/transport"
)

// settleTimeout bounds ack/release/dead-letter calls issued after the drain
// context is gone.
const settleTimeout = 5 * time.Second

// SubscriptionLoader resolves subscriber IDs to records.
type SubscriptionLoader interface {
	LoadByID(ctx context.Context, id int64) (*domain.Subscription, error)
}

// Reconciler receives the outcomes of every acked entry.
type Reconciler interface {
	Reconcile(ctx context.Context, outcomes []domain.DeliveryOutcome) pruner.Report
}

// Config controls settlement.
type Config struct {
	// MaxAttempts is the claim count after which a failing entry is
	// dead-lettered instead of released.
	MaxAttempts int
	// Backoff is indexed by attempt-1 and clamped to its last element.
	Backoff []time.Duration
}

// Report sums what one or more drains did.
type Report struct {
	Entries      int `json:"entries"`
	Acked        int `json:"acked"`
	Released     int `json:"released"`
	DeadLettered int `json:"dead_lettered"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Pruned       int `json:"pruned"`
	FollowUps    int `json:"follow_ups"`
}

func (r *Report) add(o Report) {
	r.Entries += o.Entries
	r.Acked += o.Acked
	r.Released += o.Released
	r.DeadLettered += o.DeadLettered
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Pruned += o.Pruned
	r.FollowUps += o.FollowUps
}

// Worker drains the delivery queue. It owns its transport, so a Worker must
// not run two drains at once.
type Worker struct {
	id        int
	q         queue.Queue
	subs      SubscriptionLoader
	transport transport.Transport
	pruner    Reconciler
	cfg       Config
	logger    *zap.Logger
	hooks     MetricHooks
}

// NewWorker constructs a worker. Nil hooks are no-ops.
func NewWorker(
	id int,
	q queue.Queue,
	subs SubscriptionLoader,
	tr transport.Transport,
	pr Reconciler,
	cfg Config,
	logger *zap.Logger,
	hooks MetricHooks,
) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		id: id, q: q, subs: subs, transport: tr, pruner: pr,
		cfg: cfg, logger: logger, hooks: hooks.withDefaults(),
	}
}

// Drain claims and processes entries until the queue has nothing claimable
// or ctx is cancelled. It never waits for new work. A claim failure stops
// the drain and is returned; cancellation returns ctx.Err().
func (w *Worker) Drain(ctx context.Context) (Report, error) {
	var r Report
	for {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		e, ok, err := w.q.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r, ctx.Err()
			}
			w.logger.Error("claim failed", zap.Error(err))
			return r, err
		}
		if !ok {
			return r, nil
		}
		r.Entries++
		w.handle(ctx, e, &r)
	}
}

func (w *Worker) handle(ctx context.Context, e *queue.Entry, r *Report) {
	log := w.logger.With(
		zap.String("entry_id", e.ID),
		zap.Int("attempt", e.Attempts),
		zap.Int("recipients", len(e.Item.IDs)),
	)

	res, outcomes, retryIDs := w.process(ctx, e, log)

	// Settlement must happen even when ctx is gone, otherwise the entry
	// would sit leased until the lease expires.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if res.Kind == KindAcked {
		for _, o := range outcomes {
			switch {
			case o.Success:
				r.Sent++
				w.hooks.OnDelivery(ResultSuccess)
			case o.Rejected():
				r.Failed++
				w.hooks.OnDelivery(ResultRejected)
			default:
				r.Failed++
				w.hooks.OnDelivery(ResultTransient)
			}
		}
		if err := w.q.Ack(sctx, e); err != nil {
			// Whoever holds the entry now redelivers it in full.
			w.settleFailed(log, "ack", err)
		} else {
			r.Acked++
			w.hooks.OnEntry(EntryAcked)
			r.FollowUps += w.followUp(sctx, e, retryIDs, log)
		}
		if len(outcomes) > 0 {
			r.Pruned += w.pruner.Reconcile(sctx, outcomes).Deleted
		}
		log.Info("entry delivered", zap.Int("outcomes", len(outcomes)))
		return
	}

	switch {
	case ctx.Err() != nil:
		// Interrupted: hand the entry straight back.
		if err := w.q.Release(sctx, e, 0); err != nil {
			w.settleFailed(log, "release", err)
			return
		}
		r.Released++
		w.hooks.OnEntry(EntryReleased)
		log.Info("entry released on shutdown", zap.Stringer("result", res))
	case e.Attempts >= w.cfg.MaxAttempts:
		if err := w.q.DeadLetter(sctx, e, res.String()); err != nil {
			w.settleFailed(log, "dead-letter", err)
			return
		}
		r.DeadLettered++
		w.hooks.OnEntry(EntryDeadLettered)
		log.Error("entry dead-lettered", zap.Stringer("result", res))
	default:
		delay := w.backoff(e.Attempts)
		if err := w.q.Release(sctx, e, delay); err != nil {
			w.settleFailed(log, "release", err)
			return
		}
		r.Released++
		w.hooks.OnEntry(EntryReleased)
		log.Warn("entry released for retry",
			zap.Stringer("result", res),
			zap.Duration("delay", delay),
		)
	}
}

// process resolves recipients, sends and flushes once. On success it also
// returns the IDs whose push service failed transiently.
func (w *Worker) process(ctx context.Context, e *queue.Entry, log *zap.Logger) (Result, []domain.DeliveryOutcome, []int64) {
	descs := make([]domain.Descriptor, 0, len(e.Item.IDs))
	ids := make([]int64, 0, len(e.Item.IDs))
	storageFailures := 0
	for _, id := range e.Item.IDs {
		sub, err := w.subs.LoadByID(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return Retry("interrupted"), nil, nil
			}
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case domain.IsStorageError(err):
				storageFailures++
				log.Error("could not load subscription", zap.Int64("subscription_id", id), zap.Error(err))
			default:
				log.Warn("skipping unresolvable subscription", zap.Int64("subscription_id", id), zap.Error(err))
			}
			continue
		}
		descs = append(descs, sub.Descriptor())
		ids = append(ids, id)
	}

	if len(descs) == 0 {
		if storageFailures > 0 {
			return Retry("subscription storage unavailable"), nil, nil
		}
		return Acked(), nil, nil
	}

	payload, err := e.Item.Payload()
	if err != nil {
		return Fatal(err.Error()), nil, nil
	}

	for _, d := range descs {
		w.transport.Send(d, payload)
	}
	start := time.Now()
	outcomes, err := w.transport.Flush(ctx, len(descs))
	w.hooks.OnFlush(time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrRetryLater) {
			return Retry(err.Error()), nil, nil
		}
		return Fatal(err.Error()), nil, nil
	}

	byEndpoint := make(map[string][]int64, len(descs))
	for i, d := range descs {
		byEndpoint[d.Endpoint] = append(byEndpoint[d.Endpoint], ids[i])
	}
	var retryIDs []int64
	for _, o := range outcomes {
		if !o.Success && o.Retryable {
			retryIDs = append(retryIDs, byEndpoint[o.Endpoint]...)
			delete(byEndpoint, o.Endpoint)
		}
	}
	return Acked(), outcomes, retryIDs
}

// followUp re-enqueues transiently failed recipients of an acked entry as a
// new batch, bounded by MaxAttempts rounds. It returns 1 when it enqueued.
func (w *Worker) followUp(ctx context.Context, e *queue.Entry, ids []int64, log *zap.Logger) int {
	if len(ids) == 0 {
		return 0
	}
	next := e.Item.WithIDs(ids)
	next.Round++
	if next.Round >= w.cfg.MaxAttempts {
		log.Warn("dropping transiently failed recipients, redelivery rounds exhausted",
			zap.Int("recipients", len(ids)),
			zap.Int("round", e.Item.Round),
		)
		return 0
	}
	if err := w.q.Enqueue(ctx, next); err != nil {
		log.Error("could not enqueue follow-up batch", zap.Int("recipients", len(ids)), zap.Error(err))
		return 0
	}
	return 1
}

// backoff returns the release delay after the given attempt:
//
//	attempt 1 → backoff[0]  (default 5 s)
//	attempt 2 → backoff[1]  (default 30 s)
//	attempt 3 → backoff[2]  (default 120 s)
//	attempt N > len(backoff) → last backoff entry (clamped)
func (w *Worker) backoff(attempt int) time.Duration {
	if len(w.cfg.Backoff) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(w.cfg.Backoff)-1)
	return w.cfg.Backoff[idx]
}

func (w *Worker) settleFailed(log *zap.Logger, op string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("lease lost before "+op, zap.Error(err))
		return
	}
	log.Error(op+" failed", zap.Error(err))
}
