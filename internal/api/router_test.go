package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/api"
	"github.com/notifyhub/web-push-notification/internal/content"
	"github.com/notifyhub/web-push-notification/internal/dispatcher"
	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/metrics"
	"github.com/notifyhub/web-push-notification/internal/pruner"
	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/repository"
	"github.com/notifyhub/web-push-notification/internal/service"
	"github.com/notifyhub/web-push-notification/internal/settings"
	"github.com/notifyhub/web-push-notification/internal/transport"
	"github.com/notifyhub/web-push-notification/internal/worker"
)

const adminToken = "s3cret"

// acceptAll delivers every message.
type acceptAll struct {
	pending []domain.Descriptor
}

func (t *acceptAll) Send(d domain.Descriptor, _ []byte) { t.pending = append(t.pending, d) }

func (t *acceptAll) Flush(context.Context, int) ([]domain.DeliveryOutcome, error) {
	out := make([]domain.DeliveryOutcome, len(t.pending))
	for i, d := range t.pending {
		out[i] = domain.DeliveryOutcome{Endpoint: d.Endpoint, Success: true, StatusCode: 201}
	}
	t.pending = nil
	return out, nil
}

type testServer struct {
	handler http.Handler
	repo    *repository.MockSubscriptionRepository
	store   *settings.Store
	queue   *queue.MemoryQueue
}

func newTestServer(t *testing.T, withKeys bool) *testServer {
	t.Helper()
	logger := zap.NewNop()
	cfg := settings.Defaults()
	cfg.ContentTypes = []string{"article"}

	ts := &testServer{
		repo:  repository.NewMockSubscriptionRepository(),
		store: settings.NewMemoryStore(cfg, logger),
		queue: queue.NewMemoryQueue(time.Minute),
	}
	if withKeys {
		_, err := ts.store.RegenerateSigningKeys()
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	metrics.RegisterQueueDepth(reg, ts.queue)

	pool := worker.NewPool(1, ts.queue, ts.repo,
		transport.Factory(func() transport.Transport { return &acceptAll{} }),
		pruner.New(ts.repo, logger, m.OnPruned),
		worker.Config{MaxAttempts: 3},
		logger, worker.MetricHooks{})

	svc := service.NewPushService(
		ts.repo,
		ts.store,
		dispatcher.New(ts.repo, ts.queue, ts.store, logger),
		content.NewBuilder(content.NewMediaResolver("https://blog.example")),
		pool,
		ts.queue,
		logger,
		nil,
	)
	ts.handler = api.NewRouter(svc, reg, adminToken, logger)
	return ts
}

func (ts *testServer) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if admin {
		r.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func subscribeBody(endpoint string) string {
	return fmt.Sprintf(`{"endpoint":%q,"keys":{"p256dh":"p-%s","auth":"a-%s"}}`, endpoint, endpoint, endpoint)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestServiceWorker(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(http.MethodGet, "/service-worker.js", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/javascript")
	assert.Contains(t, w.Body.String(), "showNotification")
	assert.Contains(t, w.Body.String(), "notificationclick")
}

func TestPublicKey(t *testing.T) {
	w := newTestServer(t, false).do(http.MethodGet, "/api/v1/push/public-key", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts := newTestServer(t, true)
	w = ts.do(http.MethodGet, "/api/v1/push/public-key", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ts.store.Get().PublicKey, decode(t, w)["public_key"])
}

func TestSubscriptions(t *testing.T) {
	ts := newTestServer(t, true)
	ep := "https://push.example/a"

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"create", http.MethodPost, subscribeBody(ep), http.StatusCreated},
		{"resubscribe", http.MethodPost, subscribeBody(ep), http.StatusOK},
		{"invalid endpoint", http.MethodPost, subscribeBody("ftp://push.example/b"), http.StatusUnprocessableEntity},
		{"malformed json", http.MethodPost, `{"endpoint":`, http.StatusBadRequest},
		{"delete", http.MethodDelete, fmt.Sprintf(`{"endpoint":%q}`, ep), http.StatusNoContent},
		{"delete again", http.MethodDelete, fmt.Sprintf(`{"endpoint":%q}`, ep), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(tt.method, "/api/v1/subscriptions", tt.body, false)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, true)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/admin/test-notification"},
		{http.MethodPost, "/api/v1/content/published"},
		{http.MethodGet, "/api/v1/admin/settings"},
		{http.MethodPut, "/api/v1/admin/settings"},
		{http.MethodPost, "/api/v1/admin/settings/keys"},
		{http.MethodGet, "/api/v1/admin/queue"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := ts.do(rt.method, rt.path, "{}", false)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestContentPublished(t *testing.T) {
	ts := newTestServer(t, true)
	ts.repo.Seed(domain.Subscription{PublicKey: "p", Token: "a", Endpoint: "https://push.example/a"})

	w := ts.do(http.MethodPost, "/api/v1/content/published",
		`{"content_type":"article","title":"Hello","body":"<p>World</p>","path":"/posts/hello"}`, true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1.0, decode(t, w)["entries"])

	w = ts.do(http.MethodPost, "/api/v1/content/published", `{"content_type":"page","title":"About"}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["skipped"])

	w = ts.do(http.MethodPost, "/api/v1/content/published", `{"content_type":"article"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestTestNotification(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(http.MethodPost, "/api/v1/admin/test-notification", `{"title":"Hi","body":"there"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "no subscriptions")

	ts.repo.Seed(domain.Subscription{PublicKey: "p", Token: "a", Endpoint: "https://push.example/a"})
	w = ts.do(http.MethodPost, "/api/v1/admin/test-notification", `{"title":"Hi","body":"there"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report service.TestSendReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Entries)
	assert.Equal(t, 1, report.Drain.Sent)
}

func TestTestNotification_MissingKeys(t *testing.T) {
	ts := newTestServer(t, false)
	ts.repo.Seed(domain.Subscription{PublicKey: "p", Token: "a", Endpoint: "https://push.example/a"})

	w := ts.do(http.MethodPost, "/api/v1/admin/test-notification", `{"title":"Hi","body":"there"}`, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(http.MethodGet, "/api/v1/admin/settings", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, 100.0, got["queue_batch_size"])
	assert.NotContains(t, got, "private_key")

	w = ts.do(http.MethodPut, "/api/v1/admin/settings", `{"queue_batch_size":250,"push_ttl":"2h"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 250, ts.store.Get().QueueBatchSize)
	assert.Equal(t, "2h", ts.store.Get().PushTTL)
	assert.Equal(t, 100, ts.store.Get().BodyLength, "omitted fields keep their value")

	w = ts.do(http.MethodPut, "/api/v1/admin/settings", `{"body_length":5}`, true)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "body_length", decode(t, w)["field"])
}

func TestRegenerateKeys(t *testing.T) {
	ts := newTestServer(t, true)
	before := ts.store.Get().PublicKey

	w := ts.do(http.MethodPost, "/api/v1/admin/settings/keys", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	after := decode(t, w)["public_key"]
	assert.NotEqual(t, before, after)
	assert.Equal(t, ts.store.Get().PublicKey, after)
}

func TestQueue(t *testing.T) {
	ts := newTestServer(t, true)
	ts.repo.Seed(domain.Subscription{PublicKey: "p", Token: "a", Endpoint: "https://push.example/a"})
	require.NoError(t, ts.queue.Enqueue(context.Background(), domain.NotificationItem{IDs: []int64{1}, Title: "t"}))

	w := ts.do(http.MethodGet, "/api/v1/admin/queue", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, 1.0, got["subscriptions"])
	assert.Equal(t, map[string]any{"ready": 1.0, "leased": 0.0, "dead": 0.0}, got["queue"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	w := ts.do(http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "delivery_queue_depth")
}
