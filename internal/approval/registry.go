package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// InMemoryRegistry keeps pending deployments in a map guarded by a single
// mutex. The lock is only held for state transitions, never across I/O.
type InMemoryRegistry struct {
	mu       sync.Mutex
	pending  map[Key]*PendingDeployment
	notifyCh chan struct{}
	closed   bool
	now      func() time.Time
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		pending:  make(map[Key]*PendingDeployment),
		notifyCh: make(chan struct{}, 100),
		now:      time.Now,
	}
}

// Insert adds rec in AwaitingDecision. It returns false when a record with
// the same key is still open or the registry is closed.
func (r *InMemoryRegistry) Insert(rec PendingDeployment) bool {
	return r.Register(rec) == nil
}

// Register is Insert with the reason for a refusal: ErrDuplicate or
// ErrClosed.
func (r *InMemoryRegistry) Register(rec PendingDeployment) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := r.pending[rec.Key]; ok && existing.State != StateResolved {
		r.mu.Unlock()
		log.Warn().Str("key", rec.Key.String()).Str("state", string(existing.State)).Msg("duplicate pending deployment rejected")
		return ErrDuplicate
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = r.now()
	}
	rec.State = StateAwaitingDecision
	r.pending[rec.Key] = &rec
	r.mu.Unlock()

	r.notifyWatchers()
	log.Info().Str("key", rec.Key.String()).Int64("installation", rec.InstallationID).Msg("pending deployment recorded")
	return nil
}

func (r *InMemoryRegistry) Lookup(key Key) (PendingDeployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pending[key]
	if !ok {
		return PendingDeployment{}, false
	}
	return *rec, true
}

// BeginResolve moves key from AwaitingDecision into Approving or Rejecting.
// Exactly one of several racing callers wins; the others get
// ErrAlreadyResolving.
func (r *InMemoryRegistry) BeginResolve(key Key, decision Decision) (PendingDeployment, error) {
	next, err := stateForDecision(decision)
	if err != nil {
		return PendingDeployment{}, err
	}

	r.mu.Lock()
	rec, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return PendingDeployment{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if rec.State.Resolving() {
		r.mu.Unlock()
		return PendingDeployment{}, fmt.Errorf("%w: %s", ErrAlreadyResolving, key)
	}

	rec.State = next
	snapshot := *rec
	r.mu.Unlock()

	r.notifyWatchers()
	return snapshot, nil
}

// CompleteResolve removes key once the platform confirmed the decision, or
// puts it back into AwaitingDecision so the operator can retry.
func (r *InMemoryRegistry) CompleteResolve(key Key, success bool) error {
	r.mu.Lock()
	rec, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !rec.State.Resolving() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotResolving, key)
	}

	if success {
		rec.State = StateResolved
		delete(r.pending, key)
	} else {
		rec.State = StateAwaitingDecision
	}
	r.mu.Unlock()

	r.notifyWatchers()
	if success {
		log.Info().Str("key", key.String()).Msg("pending deployment resolved")
	} else {
		log.Warn().Str("key", key.String()).Msg("decision not delivered, deployment still awaiting decision")
	}
	return nil
}

// List returns a snapshot ordered by ReceivedAt, then key.
func (r *InMemoryRegistry) List() []PendingDeployment {
	r.mu.Lock()
	out := make([]PendingDeployment, 0, len(r.pending))
	for _, rec := range r.pending {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

func (r *InMemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *InMemoryRegistry) NotifyChannel() <-chan struct{} {
	return r.notifyCh
}

func (r *InMemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if n := len(r.pending); n > 0 {
		log.Warn().Int("pending", n).Msg("closing registry with unresolved deployments")
	}
	close(r.notifyCh)
	return nil
}

func (r *InMemoryRegistry) notifyWatchers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

func stateForDecision(d Decision) (State, error) {
	switch d {
	case DecisionApprove:
		return StateApproving, nil
	case DecisionReject:
		return StateRejecting, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
}
