package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/content"
	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/repository"
	"github.com/notifyhub/web-push-notification/internal/settings"
	"github.com/notifyhub/web-push-notification/internal/worker"
)

// Expander fans a template out into queue entries.
type Expander interface {
	Expand(ctx context.Context, tmpl domain.NotificationItem) (int, error)
}

// Drainer processes the queue until it is empty.
type Drainer interface {
	Drain(ctx context.Context) (worker.Report, error)
}

// StatsSource reports queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// PublishResult describes what a content event produced.
type PublishResult struct {
	Entries int  `json:"entries"`
	Skipped bool `json:"skipped"`
}

// TestSendReport is returned by TestSend after the synchronous drain.
type TestSendReport struct {
	Entries int           `json:"entries"`
	Drain   worker.Report `json:"drain"`
}

// PushService coordinates the repository, settings, dispatcher and workers.
// All business rules (key checks, content type filtering, idempotent
// subscribe) live here. HTTP handlers depend on this service, not on each other.
type PushService struct {
	subs       repository.SubscriptionRepository
	settings   *settings.Store
	dispatcher Expander
	builder    *content.Builder
	drainer    Drainer
	stats      StatsSource
	logger     *zap.Logger
	onEnqueued func()
}

// NewPushService wires the service. onEnqueued is called after a content
// event enqueued work, typically to start a drain early; it may be nil.
func NewPushService(
	subs repository.SubscriptionRepository,
	store *settings.Store,
	dispatcher Expander,
	builder *content.Builder,
	drainer Drainer,
	stats StatsSource,
	logger *zap.Logger,
	onEnqueued func(),
) *PushService {
	if onEnqueued == nil {
		onEnqueued = func() {}
	}
	return &PushService{
		subs: subs, settings: store, dispatcher: dispatcher, builder: builder,
		drainer: drainer, stats: stats, logger: logger, onEnqueued: onEnqueued,
	}
}

// Subscribe stores a browser subscription. Re-subscribing an endpoint that
// is already stored returns the existing record with created=false.
func (s *PushService) Subscribe(ctx context.Context, req domain.SubscribeRequest) (*domain.Subscription, bool, error) {
	sub := req.Subscription()
	if err := sub.Validate(); err != nil {
		return nil, false, err
	}

	err := s.subs.Create(ctx, sub)
	if err == nil {
		s.logger.Info("subscription created", zap.Int64("id", sub.ID))
		return sub, true, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return nil, false, fmt.Errorf("persist subscription: %w", err)
	}

	ids, lookupErr := s.subs.FindIDsByEndpoint(ctx, sub.Endpoint)
	if lookupErr != nil {
		return nil, false, fmt.Errorf("lookup existing subscription: %w", lookupErr)
	}
	if len(ids) == 0 {
		// The keys collide with a different endpoint.
		return nil, false, err
	}
	existing, err := s.subs.LoadByID(ctx, ids[0])
	if err != nil {
		return nil, false, fmt.Errorf("load existing subscription: %w", err)
	}
	return existing, false, nil
}

// Unsubscribe deletes every record for endpoint.
func (s *PushService) Unsubscribe(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return domain.ErrInvalidEndpoint
	}
	n, err := s.subs.DeleteByEndpoint(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	s.logger.Info("subscription removed", zap.Int("records", n))
	return nil
}

func (s *PushService) CountSubscriptions(ctx context.Context) (int, error) {
	return s.subs.Count(ctx)
}

// PublishContent fans a published piece of content out to every subscriber.
// Events for content types not enabled in the settings are ignored.
func (s *PushService) PublishContent(ctx context.Context, ev domain.ContentEvent) (PublishResult, error) {
	if err := ev.Validate(); err != nil {
		return PublishResult{}, err
	}
	cfg := s.settings.Get()
	if !cfg.ContentTypeEnabled(ev.ContentType) {
		s.logger.Debug("content type not enabled, skipping", zap.String("content_type", ev.ContentType))
		return PublishResult{Skipped: true}, nil
	}
	if _, err := s.settings.SigningKeys(); err != nil {
		return PublishResult{}, err
	}

	tmpl := s.builder.Build(ev, cfg.BodyLength)
	n, err := s.dispatcher.Expand(ctx, tmpl)
	if n > 0 {
		s.onEnqueued()
	}
	if err != nil {
		return PublishResult{Entries: n}, fmt.Errorf("expand content notification: %w", err)
	}
	return PublishResult{Entries: n}, nil
}

// TestSend expands an operator-authored notification and drains the queue
// synchronously, so the caller sees the delivery result.
func (s *PushService) TestSend(ctx context.Context, req domain.TestNotificationRequest) (TestSendReport, error) {
	if err := req.Validate(); err != nil {
		return TestSendReport{}, err
	}
	if _, err := s.settings.SigningKeys(); err != nil {
		return TestSendReport{}, err
	}
	count, err := s.subs.Count(ctx)
	if err != nil {
		return TestSendReport{}, fmt.Errorf("count subscriptions: %w", err)
	}
	if count == 0 {
		return TestSendReport{}, domain.ErrNoSubscriptions
	}

	tmpl := s.builder.Build(domain.ContentEvent{
		Title:   req.Title,
		Body:    req.Body,
		IconRef: req.Icon,
		Path:    req.URL,
	}, s.settings.Get().BodyLength)

	entries, err := s.dispatcher.Expand(ctx, tmpl)
	if err != nil {
		return TestSendReport{Entries: entries}, fmt.Errorf("expand test notification: %w", err)
	}
	drain, err := s.drainer.Drain(ctx)
	report := TestSendReport{Entries: entries, Drain: drain}
	if err != nil {
		return report, fmt.Errorf("drain queue: %w", err)
	}
	s.logger.Info("test notification sent",
		zap.Int("entries", entries),
		zap.Int("sent", drain.Sent),
		zap.Int("failed", drain.Failed),
	)
	return report, nil
}

func (s *PushService) Settings() settings.Settings {
	return s.settings.Get()
}

func (s *PushService) UpdateSettings(next settings.Settings) (settings.Settings, error) {
	return s.settings.Update(next)
}

// RegenerateKeys replaces the VAPID key pair and returns the new public
// key. Existing browser subscriptions are bound to the old key and stop
// receiving messages until they resubscribe.
func (s *PushService) RegenerateKeys() (string, error) {
	keys, err := s.settings.RegenerateSigningKeys()
	if err != nil {
		return "", err
	}
	return keys.PublicKey, nil
}

// PublicKey returns the VAPID application server key browsers subscribe with.
func (s *PushService) PublicKey() (string, error) {
	keys, err := s.settings.SigningKeys()
	if err != nil {
		return "", err
	}
	return keys.PublicKey, nil
}

func (s *PushService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.stats.Stats(ctx)
}
