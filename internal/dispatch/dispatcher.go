package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Notifier is what the ingress and decision service need from the
// dispatcher.
type Notifier interface {
	Notify(ctx context.Context, rec approval.PendingDeployment, kind Kind, comment string) error
}

type tokenForgetter interface {
	Forget(installationID int64)
}

// Dispatcher posts deployment protection rule reviews to the callback URL
// the platform handed out with the webhook.
type Dispatcher struct {
	issuer  credential.TokenIssuer
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(issuer credential.TokenIssuer, cfg Config, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New(nil)
	}

	return &Dispatcher{
		issuer:  issuer,
		client:  &http.Client{},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		metrics: m,
		now:     time.Now,
	}
}

// Notify sends one callback. Waiting notifications are sent once; decisions
// are retried with exponential backoff up to MaxRetries extra attempts.
// Returned errors never carry the callback path.
func (d *Dispatcher) Notify(ctx context.Context, rec approval.PendingDeployment, kind Kind, comment string) error {
	payload, err := buildPayload(rec, kind, comment, d.now())
	if err != nil {
		return &Error{Kind: kind, Err: err}
	}

	if kind == KindWaiting {
		return d.send(ctx, rec, kind, payload)
	}

	maxAttempts := uint(d.cfg.MaxRetries) + 1
	attempts := 0
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(d.cfg.BaseBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= maxAttempts {
				return
			}
			log.Warn().
				Err(err).
				Str("key", rec.Key.String()).
				Str("kind", string(kind)).
				Uint("attempt", n+1).
				Msg("callback failed, retrying")
		}),
	)

	err = r.Do(func() error {
		attempts++
		return d.send(ctx, rec, kind, payload)
	})
	if err == nil {
		return nil
	}

	var dispErr *Error
	if errors.As(err, &dispErr) {
		dispErr.Attempts = attempts
		return dispErr
	}
	var credErr *credential.Error
	if errors.As(err, &credErr) {
		return err
	}
	// context cancellation while waiting between attempts
	return &Error{Kind: kind, Attempts: attempts, Err: redactErr(err)}
}

func (d *Dispatcher) send(ctx context.Context, rec approval.PendingDeployment, kind Kind, payload []byte) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return &Error{Kind: kind, Err: fmt.Errorf("rate limit: %w", err)}
	}

	token, err := d.issuer.IssueToken(ctx, rec.InstallationID)
	if err != nil {
		d.metrics.Callbacks.WithLabelValues(string(kind), "no_token").Inc()
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	httpReq, err := d.buildRequest(attemptCtx, rec.CallbackURL, token.Value, payload)
	if err != nil {
		return &Error{Kind: kind, Err: redactErr(err)}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.metrics.Callbacks.WithLabelValues(string(kind), "transport_error").Inc()
		return &Error{Kind: kind, Err: fmt.Errorf("http request: %w", redactErr(err))}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		d.metrics.Callbacks.WithLabelValues(string(kind), "delivered").Inc()
		log.Info().
			Str("key", rec.Key.String()).
			Str("kind", string(kind)).
			Str("callback", RedactURL(rec.CallbackURL)).
			Msg("callback delivered")
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if f, ok := d.issuer.(tokenForgetter); ok {
			f.Forget(rec.InstallationID)
		}
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	d.metrics.Callbacks.WithLabelValues(string(kind), "rejected").Inc()
	return &Error{
		Kind:   kind,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("callback not accepted: %s", strings.TrimSpace(string(snippet))),
	}
}

func (d *Dispatcher) buildRequest(ctx context.Context, callbackURL, token string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func isRetryable(err error) bool {
	var dispErr *Error
	if errors.As(err, &dispErr) {
		return dispErr.Retryable()
	}
	var credErr *credential.Error
	if errors.As(err, &credErr) {
		return credErr.Temporary()
	}
	return false
}
