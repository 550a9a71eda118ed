package transport

import (
	"context"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// Transport delivers encrypted push messages to browser push services.
//
// Send only records the request; nothing goes over the wire until Flush.
// Flush delivers every pending request, clears the buffer and returns one
// outcome per request in Send order. A Transport is not safe for
// concurrent use: each worker owns one, obtained from a Factory.
//
// Flush returns an error wrapping domain.ErrRetryLater when the whole
// batch should be retried later instead of reported.
type Transport interface {
	Send(d domain.Descriptor, payload []byte)
	Flush(ctx context.Context, expected int) ([]domain.DeliveryOutcome, error)
}

// Factory returns a fresh Transport with an empty buffer.
type Factory func() Transport
