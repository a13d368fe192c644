package approval

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(owner, repo, env string) PendingDeployment {
	return PendingDeployment{
		Key:            NewKey(owner, repo, env),
		CallbackURL:    "https://cb.example/1",
		InstallationID: 42,
		Environment:    env,
		RepoOwner:      owner,
		RepoName:       repo,
	}
}

func TestInsertAndLookup(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	require.True(t, reg.Insert(newRecord("acme", "api", "production")))

	rec, ok := reg.Lookup("acme/api/production")
	require.True(t, ok)
	assert.Equal(t, StateAwaitingDecision, rec.State)
	assert.Equal(t, int64(42), rec.InstallationID)
	assert.Equal(t, "https://cb.example/1", rec.CallbackURL)
	assert.False(t, rec.ReceivedAt.IsZero())
	assert.Equal(t, 1, reg.Len())
}

func TestInsertRejectsDuplicate(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	require.True(t, reg.Insert(newRecord("acme", "api", "production")))

	dup := newRecord("acme", "api", "production")
	dup.CallbackURL = "https://cb.example/2"
	assert.False(t, reg.Insert(dup))

	rec, _ := reg.Lookup("acme/api/production")
	assert.Equal(t, "https://cb.example/1", rec.CallbackURL, "original callback must survive")

	_, err := reg.BeginResolve("acme/api/production", DecisionApprove)
	require.NoError(t, err)
	assert.False(t, reg.Insert(dup), "duplicate while resolving must fail")
}

func TestRegisterReportsReason(t *testing.T) {
	reg := NewInMemoryRegistry()

	require.NoError(t, reg.Register(newRecord("acme", "api", "production")))
	assert.ErrorIs(t, reg.Register(newRecord("acme", "api", "production")), ErrDuplicate)

	require.NoError(t, reg.Close())
	assert.ErrorIs(t, reg.Register(newRecord("acme", "api", "staging")), ErrClosed)
	assert.False(t, reg.Insert(newRecord("acme", "api", "staging")))
}

func TestInsertAfterResolveSucceeds(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	key := Key("acme/api/production")
	require.True(t, reg.Insert(newRecord("acme", "api", "production")))
	_, err := reg.BeginResolve(key, DecisionApprove)
	require.NoError(t, err)
	require.NoError(t, reg.CompleteResolve(key, true))

	_, ok := reg.Lookup(key)
	assert.False(t, ok)
	assert.True(t, reg.Insert(newRecord("acme", "api", "production")), "key is free after resolution")
}

func TestBeginResolveTransitions(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		expected State
	}{
		{"approve", DecisionApprove, StateApproving},
		{"reject", DecisionReject, StateRejecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewInMemoryRegistry()
			defer reg.Close()
			require.True(t, reg.Insert(newRecord("acme", "api", "staging")))

			rec, err := reg.BeginResolve("acme/api/staging", tt.decision)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, rec.State)

			_, err = reg.BeginResolve("acme/api/staging", DecisionApprove)
			assert.ErrorIs(t, err, ErrAlreadyResolving)
		})
	}
}

func TestBeginResolveErrors(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	_, err := reg.BeginResolve("unknown/repo/env", DecisionReject)
	assert.ErrorIs(t, err, ErrNotFound)

	require.True(t, reg.Insert(newRecord("acme", "api", "production")))
	_, err = reg.BeginResolve("acme/api/production", Decision("maybe"))
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestCompleteResolveFailureRevertsRecord(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	key := Key("acme/api/production")
	require.True(t, reg.Insert(newRecord("acme", "api", "production")))

	for i := 0; i < 3; i++ {
		_, err := reg.BeginResolve(key, DecisionApprove)
		require.NoError(t, err)
		require.NoError(t, reg.CompleteResolve(key, false))

		rec, ok := reg.Lookup(key)
		require.True(t, ok, "record must never be lost on failure")
		assert.Equal(t, StateAwaitingDecision, rec.State)
	}
}

func TestCompleteResolveErrors(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	err := reg.CompleteResolve("unknown/repo/env", true)
	assert.ErrorIs(t, err, ErrNotFound)

	require.True(t, reg.Insert(newRecord("acme", "api", "production")))
	err = reg.CompleteResolve("acme/api/production", true)
	assert.ErrorIs(t, err, ErrNotResolving)

	_, ok := reg.Lookup("acme/api/production")
	assert.True(t, ok)
}

func TestResolvedKeyIsNotFound(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	key := Key("acme/api/production")
	require.True(t, reg.Insert(newRecord("acme", "api", "production")))
	_, err := reg.BeginResolve(key, DecisionApprove)
	require.NoError(t, err)
	require.NoError(t, reg.CompleteResolve(key, true))

	_, err = reg.BeginResolve(key, DecisionApprove)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderedByReceivedAt(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, env := range []string{"c", "a", "b"} {
		rec := newRecord("acme", "api", env)
		rec.ReceivedAt = base.Add(time.Duration(2-i) * time.Minute)
		require.True(t, reg.Insert(rec))
	}

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, Key("acme/api/b"), list[0].Key)
	assert.Equal(t, Key("acme/api/a"), list[1].Key)
	assert.Equal(t, Key("acme/api/c"), list[2].Key)
}

func TestConcurrentInsertSameKey(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	const workers = 50
	var wg sync.WaitGroup
	var inserted int32

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			rec := newRecord("acme", "api", "production")
			rec.CallbackURL = fmt.Sprintf("https://cb.example/%d", id)
			if reg.Insert(rec) {
				atomic.AddInt32(&inserted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted)
	assert.Equal(t, 1, reg.Len())
}

func TestConcurrentApproveAndReject(t *testing.T) {
	for round := 0; round < 20; round++ {
		reg := NewInMemoryRegistry()
		key := Key("acme/api/production")
		require.True(t, reg.Insert(newRecord("acme", "api", "production")))

		var wg sync.WaitGroup
		var wins, losses int32
		start := make(chan struct{})

		for _, d := range []Decision{DecisionApprove, DecisionReject, DecisionApprove, DecisionReject} {
			wg.Add(1)
			go func(d Decision) {
				defer wg.Done()
				<-start
				_, err := reg.BeginResolve(key, d)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrAlreadyResolving):
					atomic.AddInt32(&losses, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(d)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(3), losses)
		reg.Close()
	}
}

func TestNotifyChannelSignalsChanges(t *testing.T) {
	reg := NewInMemoryRegistry()
	defer reg.Close()

	require.True(t, reg.Insert(newRecord("acme", "api", "production")))

	select {
	case <-reg.NotifyChannel():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"acme/api/production", true},
		{"acme/api/env/with/slashes", true},
		{"acme/api", false},
		{"acme//production", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			key, ok := ParseKey(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.input, key.String())
			}
		})
	}
}
