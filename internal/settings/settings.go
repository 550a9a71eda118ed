package settings

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

const (
	DefaultQueueBatchSize = 100
	DefaultBodyLength     = 100
	DefaultPushTTL        = "30m"

	MinQueueBatchSize = 1
	MaxQueueBatchSize = 1000
	MinBodyLength     = 10
	MaxBodyLength     = 1000
)

// Settings is the site push configuration read by the pipeline.
// Key fields are only ever written through Store.RegenerateSigningKeys.
type Settings struct {
	QueueBatchSize int      `yaml:"queue_batch_size" json:"queue_batch_size"`
	BodyLength     int      `yaml:"body_length" json:"body_length"`
	PushTTL        string   `yaml:"push_ttl" json:"push_ttl"`
	ContentTypes   []string `yaml:"content_types" json:"content_types"`
	PublicKey      string   `yaml:"public_key" json:"public_key"`
	PrivateKey     string   `yaml:"private_key" json:"-"`
}

// Keys is a VAPID key pair, URL-safe base64 encoded.
type Keys struct {
	PublicKey  string
	PrivateKey string
}

// ValidationError reports a malformed configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Defaults() Settings {
	return Settings{
		QueueBatchSize: DefaultQueueBatchSize,
		BodyLength:     DefaultBodyLength,
		PushTTL:        DefaultPushTTL,
	}
}

// Validate checks the editable fields. Keys are not validated here: their
// absence is a configuration error raised when a send is attempted.
func (s Settings) Validate() error {
	if s.QueueBatchSize < MinQueueBatchSize || s.QueueBatchSize > MaxQueueBatchSize {
		return &ValidationError{
			Field:  "queue_batch_size",
			Reason: fmt.Sprintf("must be in range %d..%d inclusively", MinQueueBatchSize, MaxQueueBatchSize),
		}
	}
	if s.BodyLength < MinBodyLength || s.BodyLength > MaxBodyLength {
		return &ValidationError{
			Field:  "body_length",
			Reason: fmt.Sprintf("must be in range %d..%d inclusively", MinBodyLength, MaxBodyLength),
		}
	}
	if _, err := ParseTTL(s.PushTTL); err != nil {
		return err
	}
	return nil
}

// HasKeys reports whether both VAPID keys are set.
func (s Settings) HasKeys() bool {
	return s.PublicKey != "" && s.PrivateKey != ""
}

// ContentTypeEnabled reports whether publishing contentType sends a push.
func (s Settings) ContentTypeEnabled(contentType string) bool {
	return slices.Contains(s.ContentTypes, contentType)
}

// TTLSeconds returns the push TTL in whole seconds, falling back to the
// default when the stored value does not parse.
func (s Settings) TTLSeconds() int {
	d, err := ParseTTL(s.PushTTL)
	if err != nil {
		d, _ = ParseTTL(DefaultPushTTL)
	}
	return int(d / time.Second)
}

// maxTTLSeconds bounds the TTL header value.
const maxTTLSeconds = 1<<31 - 1

var ttlPattern = regexp.MustCompile(`^(\d+)([mhd]?)$`)

// ParseTTL parses a push TTL such as "30m", "12h", "7d" or "45".
// A bare number is a count of minutes; "0" asks the push service to deliver
// only to currently connected browsers.
func ParseTTL(s string) (time.Duration, error) {
	m := ttlPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &ValidationError{Field: "push_ttl", Reason: fmt.Sprintf("%q is not a number with an optional m, h or d suffix", s)}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &ValidationError{Field: "push_ttl", Reason: err.Error()}
	}

	unit := time.Minute
	switch m[2] {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > maxTTLSeconds || int64(n)*int64(unit/time.Second) > maxTTLSeconds {
		return 0, &ValidationError{Field: "push_ttl", Reason: "value too large"}
	}
	return time.Duration(n) * unit, nil
}
