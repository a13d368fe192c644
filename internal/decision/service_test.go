package decision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIssuer struct {
	calls int32
	err   error
}

func (s *stubIssuer) IssueToken(_ context.Context, id int64) (credential.AccessToken, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return credential.AccessToken{}, s.err
	}
	return credential.AccessToken{Value: "ghs_test", InstallationID: id, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type platform struct {
	*httptest.Server
	status int32
	calls  int32
}

func newPlatform(t *testing.T, status int) *platform {
	t.Helper()
	p := &platform{status: int32(status)}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&p.status)))
	}))
	t.Cleanup(p.Close)
	return p
}

func setup(t *testing.T, status int) (*Service, *approval.InMemoryRegistry, *platform, *stubIssuer) {
	t.Helper()
	p := newPlatform(t, status)
	issuer := &stubIssuer{}
	d := dispatch.New(issuer, dispatch.Config{
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		Timeout:     time.Second,
		RateLimit:   1000,
		RateBurst:   100,
	}, nil)

	reg := approval.NewInMemoryRegistry()
	t.Cleanup(func() { reg.Close() })

	require.True(t, reg.Insert(approval.PendingDeployment{
		Key:            "acme/api/production",
		CallbackURL:    p.URL + "/1",
		InstallationID: 42,
		Environment:    "production",
		RepoOwner:      "acme",
		RepoName:       "api",
	}))

	return NewService(reg, d, nil, nil), reg, p, issuer
}

func TestApproveDelivered(t *testing.T) {
	svc, reg, p, _ := setup(t, http.StatusNoContent)

	out, err := svc.Approve(context.Background(), "acme/api/production", "")
	require.NoError(t, err)

	assert.Equal(t, Outcome{Status: "approved", Key: "acme/api/production"}, out)
	_, ok := reg.Lookup("acme/api/production")
	assert.False(t, ok, "resolved deployment must leave the registry")
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls))
}

func TestRejectDelivered(t *testing.T) {
	svc, reg, _, _ := setup(t, http.StatusNoContent)

	out, err := svc.Reject(context.Background(), "acme/api/production", "tests red")
	require.NoError(t, err)
	assert.Equal(t, "rejected", out.Status)
	assert.Equal(t, 0, reg.Len())
}

func TestApproveFailureKeepsRecordPending(t *testing.T) {
	svc, reg, p, _ := setup(t, http.StatusInternalServerError)

	_, err := svc.Approve(context.Background(), "acme/api/production", "")
	require.Error(t, err)

	var dispErr *dispatch.Error
	require.True(t, errors.As(err, &dispErr))
	assert.True(t, Retryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.calls))

	rec, ok := reg.Lookup("acme/api/production")
	require.True(t, ok)
	assert.Equal(t, approval.StateAwaitingDecision, rec.State)

	// the operator can try again once the platform recovers
	atomic.StoreInt32(&p.status, http.StatusNoContent)
	out, err := svc.Approve(context.Background(), "acme/api/production", "")
	require.NoError(t, err)
	assert.Equal(t, "approved", out.Status)
	assert.Equal(t, 0, reg.Len())
}

func TestRejectedCallbackNotRetryable(t *testing.T) {
	svc, reg, _, _ := setup(t, http.StatusUnprocessableEntity)

	_, err := svc.Reject(context.Background(), "acme/api/production", "")
	require.Error(t, err)
	assert.False(t, Retryable(err))
	assert.Equal(t, 1, reg.Len())
}

func TestDecideUnknownKey(t *testing.T) {
	svc, _, p, issuer := setup(t, http.StatusNoContent)

	_, err := svc.Reject(context.Background(), "unknown/repo/env", "")
	assert.ErrorIs(t, err, approval.ErrNotFound)
	assert.False(t, Retryable(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&issuer.calls))
}

func TestDecideAfterResolveIsNotFound(t *testing.T) {
	svc, _, p, _ := setup(t, http.StatusNoContent)

	_, err := svc.Approve(context.Background(), "acme/api/production", "")
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), "acme/api/production", "")
	assert.ErrorIs(t, err, approval.ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls), "no second callback")
}

func TestDecideCredentialFailure(t *testing.T) {
	svc, reg, p, issuer := setup(t, http.StatusNoContent)
	issuer.err = &credential.Error{Op: "exchange", Status: http.StatusNotFound}

	_, err := svc.Approve(context.Background(), "acme/api/production", "")
	require.Error(t, err)

	var credErr *credential.Error
	require.True(t, errors.As(err, &credErr))
	assert.False(t, Retryable(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.calls))
	assert.Equal(t, 1, reg.Len())
}

func TestDecideInvalidDecision(t *testing.T) {
	svc, reg, _, _ := setup(t, http.StatusNoContent)

	_, err := svc.Decide(context.Background(), "acme/api/production", "maybe", "")
	assert.ErrorIs(t, err, approval.ErrInvalidDecision)

	rec, _ := reg.Lookup("acme/api/production")
	assert.Equal(t, approval.StateAwaitingDecision, rec.State)
}

type blockingNotifier struct {
	calls   int32
	release chan struct{}
	entered chan struct{}
}

func (b *blockingNotifier) Notify(context.Context, approval.PendingDeployment, dispatch.Kind, string) error {
	atomic.AddInt32(&b.calls, 1)
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestConcurrentApproveAndReject(t *testing.T) {
	reg := approval.NewInMemoryRegistry()
	defer reg.Close()
	require.True(t, reg.Insert(approval.PendingDeployment{Key: "acme/api/production", InstallationID: 42}))

	notifier := &blockingNotifier{release: make(chan struct{}), entered: make(chan struct{}, 2)}
	svc := NewService(reg, notifier, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, d := range []approval.Decision{approval.DecisionApprove, approval.DecisionReject} {
		wg.Add(1)
		go func(d approval.Decision) {
			defer wg.Done()
			_, err := svc.Decide(context.Background(), "acme/api/production", d, "")
			errs <- err
		}(d)
	}

	<-notifier.entered
	// the loser returns without waiting for the winner's callback
	loser := <-errs
	assert.ErrorIs(t, loser, approval.ErrAlreadyResolving)

	close(notifier.release)
	wg.Wait()
	assert.NoError(t, <-errs)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.calls))
	assert.Equal(t, 0, reg.Len())
}
