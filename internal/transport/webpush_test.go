package transport_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/ratelimiter"
	"github.com/notifyhub/web-push-notification/internal/settings"
	"github.com/notifyhub/web-push-notification/internal/transport"
)

// pushService is a fake push service answering by request path.
type pushService struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
}

func newPushService(t *testing.T) *pushService {
	t.Helper()
	ps := &pushService{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.requests = append(ps.requests, r.Clone(context.Background()))
		ps.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/ok"):
			w.WriteHeader(http.StatusCreated)
		case strings.HasPrefix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusGone)
		case strings.HasPrefix(r.URL.Path, "/missing"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(r.URL.Path, "/bad"):
			http.Error(w, "invalid subscription", http.StatusBadRequest)
		case strings.HasPrefix(r.URL.Path, "/busy"):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushService) received() []*http.Request {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*http.Request(nil), ps.requests...)
}

// browserKeys returns a descriptor with a real P-256 public key and auth
// secret, as a browser would produce on subscribe.
func browserKeys(t *testing.T, endpoint string) domain.Descriptor {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return domain.Descriptor{
		Endpoint:  endpoint,
		PublicKey: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		AuthToken: base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newStore(t *testing.T) *settings.Store {
	t.Helper()
	store := settings.NewMemoryStore(settings.Defaults(), zap.NewNop())
	_, err := store.RegenerateSigningKeys()
	require.NoError(t, err)
	return store
}

func newTransport(store transport.SettingsSource) transport.Transport {
	factory := transport.NewWebPushFactory(transport.Config{
		Subscriber:  "admin@example.com",
		Timeout:     5 * time.Second,
		Concurrency: 4,
	}, store, ratelimiter.New(0), zap.NewNop())
	return factory()
}

func TestWebPush_ClassifiesResponses(t *testing.T) {
	ps := newPushService(t)
	tr := newTransport(newStore(t))
	payload := []byte(`{"title":"Hi","body":"There"}`)

	paths := []string{"/ok/1", "/gone/2", "/missing/3", "/bad/4", "/busy/5", "/boom/6"}
	for _, p := range paths {
		tr.Send(browserKeys(t, ps.URL+p), payload)
	}

	outcomes, err := tr.Flush(context.Background(), len(paths))
	require.NoError(t, err)
	require.Len(t, outcomes, len(paths))

	want := []struct {
		status    int
		success   bool
		retryable bool
	}{
		{http.StatusCreated, true, false},
		{http.StatusGone, false, false},
		{http.StatusNotFound, false, false},
		{http.StatusBadRequest, false, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
	}
	for i, w := range want {
		o := outcomes[i]
		assert.Equal(t, ps.URL+paths[i], o.Endpoint, "outcomes keep send order")
		assert.Equal(t, w.status, o.StatusCode, paths[i])
		assert.Equal(t, w.success, o.Success, paths[i])
		assert.Equal(t, w.retryable, o.Retryable, paths[i])
	}
	assert.True(t, outcomes[1].Rejected())
	assert.False(t, outcomes[4].Rejected())
	assert.Contains(t, outcomes[3].Reason, "invalid subscription")
}

func TestWebPush_SendsSignedEncryptedRequest(t *testing.T) {
	ps := newPushService(t)
	store := newStore(t)
	next := store.Get()
	next.PushTTL = "2h"
	_, err := store.Update(next)
	require.NoError(t, err)

	tr := newTransport(store)
	tr.Send(browserKeys(t, ps.URL+"/ok/a"), []byte(`{"title":"t","body":"b"}`))
	_, err = tr.Flush(context.Background(), 1)
	require.NoError(t, err)

	reqs := ps.received()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "7200", r.Header.Get("TTL"))
	assert.Equal(t, "normal", r.Header.Get("Urgency"))
	assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid t="))
	assert.Contains(t, r.Header.Get("Authorization"), ", k=")
}

func TestWebPush_MissingKeysIsRetryLater(t *testing.T) {
	ps := newPushService(t)
	tr := newTransport(settings.NewMemoryStore(settings.Defaults(), zap.NewNop()))

	tr.Send(browserKeys(t, ps.URL+"/ok/1"), []byte(`{}`))
	outcomes, err := tr.Flush(context.Background(), 1)

	assert.ErrorIs(t, err, domain.ErrRetryLater)
	assert.ErrorIs(t, err, domain.ErrMissingKeys)
	assert.Nil(t, outcomes)
	assert.Empty(t, ps.received(), "nothing may be sent unsigned")
}

func TestWebPush_AllTransientIsRetryLater(t *testing.T) {
	ps := newPushService(t)
	tr := newTransport(newStore(t))

	tr.Send(browserKeys(t, ps.URL+"/busy/1"), []byte(`{}`))
	tr.Send(browserKeys(t, ps.URL+"/boom/2"), []byte(`{}`))
	outcomes, err := tr.Flush(context.Background(), 2)

	assert.True(t, errors.Is(err, domain.ErrRetryLater))
	assert.Len(t, outcomes, 2)
}

func TestWebPush_InvalidKeysAreRejectedWithoutSending(t *testing.T) {
	ps := newPushService(t)
	tr := newTransport(newStore(t))

	d := browserKeys(t, ps.URL+"/ok/1")
	d.PublicKey = "not-a-key"
	tr.Send(d, []byte(`{}`))
	outcomes, err := tr.Flush(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Rejected())
	assert.Empty(t, ps.received())
}

func TestWebPush_UnreachableEndpointIsRetryable(t *testing.T) {
	ps := newPushService(t)
	url := ps.URL
	ps.Close()

	tr := newTransport(newStore(t))
	tr.Send(browserKeys(t, url+"/ok/1"), []byte(`{}`))
	outcomes, err := tr.Flush(context.Background(), 1)

	assert.ErrorIs(t, err, domain.ErrRetryLater)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Retryable)
	assert.False(t, outcomes[0].Rejected())
}

func TestWebPush_FlushClearsBuffer(t *testing.T) {
	ps := newPushService(t)
	tr := newTransport(newStore(t))

	tr.Send(browserKeys(t, ps.URL+"/ok/1"), []byte(`{}`))
	_, err := tr.Flush(context.Background(), 1)
	require.NoError(t, err)

	outcomes, err := tr.Flush(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Len(t, ps.received(), 1)
}

func TestWebPushFactory_TransportsDoNotShareBuffers(t *testing.T) {
	ps := newPushService(t)
	factory := transport.NewWebPushFactory(transport.Config{Subscriber: "ops@example.com", Timeout: time.Second},
		newStore(t), ratelimiter.New(0), zap.NewNop())

	a, b := factory(), factory()
	a.Send(browserKeys(t, ps.URL+"/ok/a"), []byte(`{}`))

	outcomes, err := b.Flush(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	outcomes, err = a.Flush(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}
