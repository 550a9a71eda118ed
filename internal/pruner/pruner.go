package pruner

import (
	"context"

	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// EndpointDeleter removes every subscription registered for an endpoint.
type EndpointDeleter interface {
	DeleteByEndpoint(ctx context.Context, endpoint string) (int, error)
}

// Report summarises one reconcile pass.
type Report struct {
	Deleted int
	Failed  int
}

// Pruner deletes subscriptions the push services reported as gone.
type Pruner struct {
	subs     EndpointDeleter
	logger   *zap.Logger
	onPruned func(n int)
}

// New returns a Pruner. onPruned is called with the number of records
// removed per endpoint; it may be nil.
func New(subs EndpointDeleter, logger *zap.Logger, onPruned func(n int)) *Pruner {
	if onPruned == nil {
		onPruned = func(int) {}
	}
	return &Pruner{subs: subs, logger: logger, onPruned: onPruned}
}

// Reconcile deletes the records behind every rejected outcome. Successful
// and retryable outcomes are ignored. A storage failure is logged and
// counted; the remaining endpoints are still processed.
func (p *Pruner) Reconcile(ctx context.Context, outcomes []domain.DeliveryOutcome) Report {
	var r Report
	seen := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		if !o.Rejected() {
			continue
		}
		if _, dup := seen[o.Endpoint]; dup {
			continue
		}
		seen[o.Endpoint] = struct{}{}

		n, err := p.subs.DeleteByEndpoint(ctx, o.Endpoint)
		if err != nil {
			r.Failed++
			p.logger.Error("failed to prune subscription",
				zap.String("endpoint", o.Endpoint),
				zap.Error(err),
			)
			continue
		}
		r.Deleted += n
		if n > 0 {
			p.onPruned(n)
			p.logger.Info("pruned expired subscription",
				zap.String("endpoint", o.Endpoint),
				zap.Int("status", o.StatusCode),
				zap.Int("records", n),
			)
		}
	}
	return r
}
