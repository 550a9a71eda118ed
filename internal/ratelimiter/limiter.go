package ratelimiter

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiters holds one token bucket per push service host
// (fcm.googleapis.com, updates.push.services.mozilla.com, ...).
// Buckets are created on first use. Burst is set equal to the rate so no
// extra burst capacity is allowed beyond the configured per-second maximum.
type HostLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates HostLimiters with ratePerSec tokens per second per host.
// A non-positive rate disables limiting.
func New(ratePerSec int) *HostLimiters {
	limit, burst := rate.Inf, 0
	if ratePerSec > 0 {
		limit, burst = rate.Limit(ratePerSec), ratePerSec
	}
	return &HostLimiters{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the limiter for endpoint's host grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (hl *HostLimiters) Wait(ctx context.Context, endpoint string) error {
	return hl.forHost(hostOf(endpoint)).Wait(ctx)
}

func (hl *HostLimiters) forHost(host string) *rate.Limiter {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	l, ok := hl.limiters[host]
	if !ok {
		l = rate.NewLimiter(hl.limit, hl.burst)
		hl.limiters[host] = l
	}
	return l
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Hostname()
}
