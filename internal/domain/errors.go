package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict: subscription already exists")
	ErrMissingKeys        = errors.New("vapid public and private keys must be defined")
	ErrRetryLater         = errors.New("delivery suspended, retry later")
	ErrNoSubscriptions    = errors.New("no subscriptions found")
	ErrEmptyBatch         = errors.New("queue entry must target at least one subscriber")
	ErrNotTemplate        = errors.New("template notification must not carry subscriber ids")
	ErrInvalidTitle       = errors.New("title must be between 1 and 128 characters")
	ErrInvalidBody        = errors.New("body must not be empty")
	ErrInvalidEndpoint    = errors.New("endpoint must be an absolute https URL of at most 1024 characters")
	ErrInvalidKeys        = errors.New("subscription keys p256dh and auth are required")
)

// StorageError wraps a backend failure of the subscription repository.
// Callers log it and keep going; it never aborts a whole batch.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
