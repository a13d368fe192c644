package credential

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// Issuer mints installation tokens from a signed app assertion. Tokens are
// cached per installation until shortly before they expire. It never
// retries; that is left to the caller.
type Issuer struct {
	appID        string
	apiURL       string
	assertionTTL time.Duration
	permissions  map[string]string
	refreshSkew  time.Duration

	mu  sync.RWMutex
	key *rsa.PrivateKey

	client  *http.Client
	cache   *expirable.LRU[int64, AccessToken]
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	now     func() time.Time
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewIssuer(cfg Config, m *metrics.Metrics) (*Issuer, error) {
	cfg = withDefaults(cfg)
	if m == nil {
		m = metrics.New(nil)
	}

	i := &Issuer{
		appID:        cfg.AppID,
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		assertionTTL: cfg.AssertionTTL,
		permissions:  cfg.Permissions,
		refreshSkew:  cfg.RefreshSkew,
		client:       &http.Client{Timeout: cfg.Timeout},
		cache:        expirable.NewLRU[int64, AccessToken](cfg.CacheSize, nil, defaultCacheTTL),
		metrics:      m,
		now:          time.Now,
	}
	i.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-exchange",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			var credErr *Error
			if errors.As(err, &credErr) {
				return !credErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	if len(cfg.PrivateKey) == 0 {
		log.Warn().Msg("no signing key configured, token issuance will fail until one is loaded")
		return i, nil
	}
	if err := i.SetSigningKey(cfg.PrivateKey); err != nil {
		return nil, err
	}
	return i, nil
}

// SetSigningKey replaces the signing key and drops every cached token.
func (i *Issuer) SetSigningKey(pem []byte) error {
	key, err := ParsePrivateKey(pem)
	if err != nil {
		return &Error{Op: "load key", Err: err}
	}

	i.mu.Lock()
	i.key = key
	i.mu.Unlock()
	i.cache.Purge()

	log.Info().Str("app_id", i.appID).Msg("signing key loaded")
	return nil
}

func (i *Issuer) IssueToken(ctx context.Context, installationID int64) (AccessToken, error) {
	if installationID <= 0 {
		return AccessToken{}, &Error{Op: "issue", Err: fmt.Errorf("invalid installation id %d", installationID)}
	}

	if tok, ok := i.cached(installationID); ok {
		i.metrics.TokenIssuance.WithLabelValues("cached").Inc()
		return tok, nil
	}

	v, err, _ := i.group.Do(strconv.FormatInt(installationID, 10), func() (interface{}, error) {
		if tok, ok := i.cached(installationID); ok {
			return tok, nil
		}

		res, err := i.breaker.Execute(func() (interface{}, error) {
			return i.exchange(ctx, installationID)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return AccessToken{}, &Error{Op: "exchange", Transient: true, Err: err}
			}
			return AccessToken{}, err
		}

		tok := res.(AccessToken)
		i.cache.Add(installationID, tok)
		return tok, nil
	})
	if err != nil {
		i.metrics.TokenIssuance.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int64("installation", installationID).Msg("token issuance failed")
		return AccessToken{}, err
	}

	i.metrics.TokenIssuance.WithLabelValues("issued").Inc()
	return v.(AccessToken), nil
}

// Forget drops the cached token for an installation, e.g. after the
// platform rejected it.
func (i *Issuer) Forget(installationID int64) {
	i.cache.Remove(installationID)
}

func (i *Issuer) cached(installationID int64) (AccessToken, bool) {
	tok, ok := i.cache.Get(installationID)
	if !ok {
		return AccessToken{}, false
	}
	if !tok.Valid(i.now(), i.refreshSkew) {
		i.cache.Remove(installationID)
		return AccessToken{}, false
	}
	return tok, true
}

func (i *Issuer) exchange(ctx context.Context, installationID int64) (AccessToken, error) {
	assertion, err := i.signAssertion()
	if err != nil {
		return AccessToken{}, err
	}

	httpReq, err := i.buildRequest(ctx, installationID, assertion)
	if err != nil {
		return AccessToken{}, &Error{Op: "exchange", Err: err}
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return AccessToken{}, &Error{Op: "exchange", Transient: true, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return AccessToken{}, &Error{
			Op:        "exchange",
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("token endpoint rejected request: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return AccessToken{}, &Error{Op: "exchange", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.Token == "" {
		return AccessToken{}, &Error{Op: "exchange", Status: resp.StatusCode, Err: errors.New("response carried no token")}
	}
	if body.ExpiresAt.IsZero() {
		body.ExpiresAt = i.now().Add(defaultCacheTTL)
	}

	log.Debug().Int64("installation", installationID).Time("expires_at", body.ExpiresAt).Msg("installation token issued")
	return AccessToken{
		Value:          body.Token,
		InstallationID: installationID,
		ExpiresAt:      body.ExpiresAt,
	}, nil
}

func (i *Issuer) buildRequest(ctx context.Context, installationID int64, assertion string) (*http.Request, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"permissions": i.permissions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", i.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func withDefaults(cfg Config) Config {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AssertionTTL <= 0 || cfg.AssertionTTL > MaxAssertionTTL {
		cfg.AssertionTTL = MaxAssertionTTL
	}
	if len(cfg.Permissions) == 0 {
		cfg.Permissions = map[string]string{"deployments": "write"}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerTrips
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaultBreakerOpen
	}
	return cfg
}
