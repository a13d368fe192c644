package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultAPIURL       = "https://api.github.com"
	MaxAssertionTTL     = 10 * time.Minute
	DefaultTimeout      = 10 * time.Second
	DefaultRefreshSkew  = 5 * time.Minute
	DefaultCacheSize    = 128
	defaultCacheTTL     = time.Hour
	defaultBreakerTrips = 5
	defaultBreakerOpen  = 30 * time.Second
)

var (
	ErrNoSigningKey = errors.New("signing key not configured")
	ErrNoAppID      = errors.New("app id not configured")
)

// AccessToken is a short-lived installation token. It is only held in
// memory.
type AccessToken struct {
	Value          string
	InstallationID int64
	ExpiresAt      time.Time
}

// Valid reports whether the token can still be used for at least skew.
func (t AccessToken) Valid(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// TokenIssuer is what the callback dispatcher needs from the issuer.
type TokenIssuer interface {
	IssueToken(ctx context.Context, installationID int64) (AccessToken, error)
}

type Config struct {
	AppID        string
	PrivateKey   []byte
	APIURL       string
	Timeout      time.Duration
	AssertionTTL time.Duration
	Permissions  map[string]string

	CacheSize   int
	RefreshSkew time.Duration

	// BreakerMaxFailures consecutive transient exchange failures open the
	// breaker for BreakerOpenTimeout. Zero uses the defaults.
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Error is the CredentialError of the relay: signing or exchange failed and
// no token was produced.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credential %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("credential %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the same request may succeed later (network
// failure, 5xx, rate limit, open breaker).
func (e *Error) Temporary() bool {
	return e.Transient
}
