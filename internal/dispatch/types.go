package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Kind string

const (
	KindWaiting  Kind = "waiting"
	KindApproved Kind = "approved"
	KindRejected Kind = "rejected"
)

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultTimeout     = 10 * time.Second
	DefaultRateLimit   = 10
	DefaultRateBurst   = 5

	// NoRetries disables decision retries; a zero MaxRetries means the default.
	NoRetries = -1
)

// Config holds the outbound callback policy.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	return c
}

// Error is the DispatchError of the relay: the callback was not accepted.
// Status is zero when no response was received.
type Error struct {
	Kind     Kind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s: status %d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether sending the same decision again may succeed.
func (e *Error) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status >= http.StatusInternalServerError:
		return true
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusUnauthorized:
		return true
	default:
		return false
	}
}

// RedactURL keeps scheme and host of a callback URL; the path and query
// act as a capability and are masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[redacted]"
	}
	return u.Scheme + "://" + u.Host + "/[redacted]"
}

// redactErr masks the callback URL that net/http puts into a *url.Error.
func redactErr(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = RedactURL(uerr.URL)
	}
	return err
}
