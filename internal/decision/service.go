package decision

import (
	"context"
	"errors"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Outcome is the result of a decision that reached the platform.
type Outcome struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// Service resolves pending deployments on behalf of an operator.
type Service struct {
	registry approval.Registry
	notifier dispatch.Notifier
	audit    audit.Store
	metrics  *metrics.Metrics
}

func NewService(reg approval.Registry, notifier dispatch.Notifier, aud audit.Store, m *metrics.Metrics) *Service {
	if aud == nil {
		aud = audit.NopStore{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{registry: reg, notifier: notifier, audit: aud, metrics: m}
}

func (s *Service) Approve(ctx context.Context, key approval.Key, comment string) (Outcome, error) {
	return s.Decide(ctx, key, approval.DecisionApprove, comment)
}

func (s *Service) Reject(ctx context.Context, key approval.Key, comment string) (Outcome, error) {
	return s.Decide(ctx, key, approval.DecisionReject, comment)
}

// Decide runs BeginResolve, Notify and CompleteResolve for one key. Errors
// are approval.ErrNotFound, approval.ErrAlreadyResolving, *dispatch.Error or
// *credential.Error; on the last two the record is pending again.
func (s *Service) Decide(ctx context.Context, key approval.Key, d approval.Decision, comment string) (Outcome, error) {
	kind, err := dispatch.KindForDecision(d)
	if err != nil {
		return Outcome{}, err
	}

	rec, err := s.registry.BeginResolve(key, d)
	if err != nil {
		s.finish(ctx, key, d, outcomeFor(err), err.Error())
		return Outcome{}, err
	}

	notifyErr := s.notifier.Notify(ctx, rec, kind, comment)

	if err := s.registry.CompleteResolve(key, notifyErr == nil); err != nil {
		// only reachable if the registry was closed underneath us
		log.Error().Err(err).Str("key", key.String()).Msg("complete resolve failed")
	}
	s.metrics.PendingDeployments.Set(float64(s.registry.Len()))

	if notifyErr != nil {
		log.Error().
			Err(notifyErr).
			Str("key", key.String()).
			Str("decision", string(d)).
			Bool("retryable", Retryable(notifyErr)).
			Msg("decision not delivered, deployment still pending")
		s.finish(ctx, key, d, "failed", notifyErr.Error())
		return Outcome{}, notifyErr
	}

	status := string(kind)
	log.Info().Str("key", key.String()).Str("decision", status).Msg("deployment resolved")
	s.finish(ctx, key, d, "resolved", comment)

	return Outcome{Status: status, Key: key.String()}, nil
}

// Retryable reports whether the operator may re-invoke the same decision.
func Retryable(err error) bool {
	var dispErr *dispatch.Error
	if errors.As(err, &dispErr) {
		return dispErr.Retryable()
	}
	var credErr *credential.Error
	if errors.As(err, &credErr) {
		return credErr.Temporary()
	}
	return false
}

func (s *Service) finish(ctx context.Context, key approval.Key, d approval.Decision, outcome, detail string) {
	s.metrics.Decisions.WithLabelValues(string(d), outcome).Inc()

	entry := audit.Entry{
		Kind:          audit.KindDecision,
		EventType:     string(d),
		DeploymentKey: key.String(),
		Outcome:       outcome,
		Detail:        detail,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("audit logging failed")
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, approval.ErrAlreadyResolving):
		return "in_progress"
	default:
		return "error"
	}
}
