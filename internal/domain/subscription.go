package domain

import (
	"net"
	"net/url"
	"time"
)

// MaxEndpointLength mirrors the endpoint column width.
const MaxEndpointLength = 1024

// Subscription is a stored browser push subscription.
// PublicKey, Token and Endpoint are each unique across records.
type Subscription struct {
	ID        int64     `json:"id"`
	PublicKey string    `json:"public_key"`
	Token     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

// Descriptor addresses a single recipient on the push service.
type Descriptor struct {
	Endpoint  string
	PublicKey string
	AuthToken string
}

func (s *Subscription) Descriptor() Descriptor {
	return Descriptor{
		Endpoint:  s.Endpoint,
		PublicKey: s.PublicKey,
		AuthToken: s.Token,
	}
}

func (s *Subscription) Validate() error {
	if s.PublicKey == "" || s.Token == "" {
		return ErrInvalidKeys
	}
	return ValidateEndpoint(s.Endpoint)
}

// ValidateEndpoint accepts absolute https URLs. Plain http is tolerated for
// loopback hosts so local push service emulators work.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" || len(endpoint) > MaxEndpointLength {
		return ErrInvalidEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ErrInvalidEndpoint
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
	}
	return ErrInvalidEndpoint
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SubscribeRequest is the PushSubscription JSON a browser produces.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (r *SubscribeRequest) Subscription() *Subscription {
	return &Subscription{
		PublicKey: r.Keys.P256dh,
		Token:     r.Keys.Auth,
		Endpoint:  r.Endpoint,
	}
}
