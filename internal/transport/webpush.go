package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/ratelimiter"
	"github.com/notifyhub/web-push-notification/internal/settings"
)

// SettingsSource supplies the signing keys and TTL read at flush time.
type SettingsSource interface {
	Get() settings.Settings
	SigningKeys() (settings.Keys, error)
}

// Config holds the process-level transport options.
type Config struct {
	// Subscriber is the VAPID contact: an https URL or an email address.
	Subscriber  string
	Timeout     time.Duration
	Concurrency int
}

type pendingSend struct {
	desc    domain.Descriptor
	payload []byte
}

// WebPushTransport delivers through webpush-go, which does the VAPID
// signing and RFC 8291 payload encryption.
type WebPushTransport struct {
	cfg      Config
	settings SettingsSource
	limiters *ratelimiter.HostLimiters
	client   *http.Client
	logger   *zap.Logger
	pending  []pendingSend
}

func NewWebPushTransport(cfg Config, src SettingsSource, limiters *ratelimiter.HostLimiters, logger *zap.Logger) *WebPushTransport {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	// webpush-go prefixes anything that is not an https URL with mailto:.
	cfg.Subscriber = strings.TrimPrefix(cfg.Subscriber, "mailto:")
	return &WebPushTransport{
		cfg:      cfg,
		settings: src,
		limiters: limiters,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// NewWebPushFactory returns a Factory whose transports share the rate
// limiters and HTTP client but not their pending buffers.
func NewWebPushFactory(cfg Config, src SettingsSource, limiters *ratelimiter.HostLimiters, logger *zap.Logger) Factory {
	shared := NewWebPushTransport(cfg, src, limiters, logger)
	return func() Transport {
		t := *shared
		t.pending = nil
		return &t
	}
}

func (t *WebPushTransport) Send(d domain.Descriptor, payload []byte) {
	t.pending = append(t.pending, pendingSend{desc: d, payload: payload})
}

func (t *WebPushTransport) Flush(ctx context.Context, expected int) ([]domain.DeliveryOutcome, error) {
	batch := t.pending
	t.pending = nil

	if expected != len(batch) {
		t.logger.Warn("flush count differs from queued sends",
			zap.Int("expected", expected),
			zap.Int("queued", len(batch)),
		)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	keys, err := t.settings.SigningKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRetryLater, err)
	}
	opts := webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.cfg.Subscriber,
		TTL:             t.settings.Get().TTLSeconds(),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
	}

	outcomes := make([]domain.DeliveryOutcome, len(batch))
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for i, p := range batch {
		g.Go(func() error {
			outcomes[i] = t.deliver(ctx, p, &opts)
			return nil
		})
	}
	_ = g.Wait()

	allRetryable := true
	for _, o := range outcomes {
		if !o.Retryable {
			allRetryable = false
			break
		}
	}
	if allRetryable {
		return outcomes, fmt.Errorf("%w: all %d sends failed transiently", domain.ErrRetryLater, len(outcomes))
	}
	return outcomes, nil
}

func (t *WebPushTransport) deliver(ctx context.Context, p pendingSend, opts *webpush.Options) domain.DeliveryOutcome {
	out := domain.DeliveryOutcome{Endpoint: p.desc.Endpoint}
	log := t.logger.With(zap.String("endpoint", p.desc.Endpoint))

	if err := validateKeys(p.desc); err != nil {
		out.Reason = err.Error()
		log.Warn("subscription keys unusable", zap.Error(err))
		return out
	}
	if err := t.limiters.Wait(ctx, p.desc.Endpoint); err != nil {
		out.Reason = fmt.Sprintf("rate limiter: %v", err)
		out.Retryable = true
		return out
	}

	resp, err := webpush.SendNotificationWithContext(ctx, p.payload, &webpush.Subscription{
		Endpoint: p.desc.Endpoint,
		Keys:     webpush.Keys{P256dh: p.desc.PublicKey, Auth: p.desc.AuthToken},
	}, opts)
	if err != nil {
		out.Reason = fmt.Sprintf("send: %v", err)
		out.Retryable = true
		log.Warn("push send failed", zap.Error(err))
		return out
	}
	defer resp.Body.Close()

	out.StatusCode = resp.StatusCode
	classify(&out, resp)
	if !out.Success {
		log.Warn("push service refused message",
			zap.Int("status", resp.StatusCode),
			zap.String("reason", out.Reason),
			zap.Bool("retryable", out.Retryable),
		)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return out
}

// classify maps a push service response onto the outcome. 404 and 410 mean
// the subscription is gone and 400 that it is malformed; those are final.
// Everything else that is not 2xx is treated as transient.
func classify(out *domain.DeliveryOutcome, resp *http.Response) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Success = true
		return
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusBadRequest:
		out.Retryable = false
	default:
		out.Retryable = true
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	out.Reason = strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, snippet))
}

var errInvalidKeys = errors.New("invalid subscription keys")

// validateKeys rejects descriptors whose keys can never encrypt: p256dh must
// be an uncompressed P-256 point and auth a 16-byte secret.
func validateKeys(d domain.Descriptor) error {
	pub, err := decodeKey(d.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("%w: p256dh", errInvalidKeys)
	}
	auth, err := decodeKey(d.AuthToken)
	if err != nil || len(auth) != 16 {
		return fmt.Errorf("%w: auth", errInvalidKeys)
	}
	return nil
}

// decodeKey accepts the base64 variants browsers and libraries emit.
func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errInvalidKeys
}

var _ Transport = (*WebPushTransport)(nil)
