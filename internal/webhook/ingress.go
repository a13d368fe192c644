package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Delivery outcomes. StatusUnavailable means the relay is shutting down and
// the platform will re-send the event.
const (
	StatusPending     = "pending"
	StatusIgnored     = "ignored"
	StatusDuplicate   = "duplicate"
	StatusUnavailable = "unavailable"
	statusInvalid     = "invalid"
)

// Result is what a delivery turned into.
type Result struct {
	Status     string `json:"status"`
	Key        string `json:"key,omitempty"`
	DeliveryID string `json:"delivery_id"`
}

type Config struct {
	// PublicURL is used for the approve/reject hints logged on every new
	// pending deployment.
	PublicURL string
}

// Ingress turns platform deliveries into pending deployments.
type Ingress struct {
	cfg      Config
	registry approval.Registry
	notifier dispatch.Notifier
	audit    audit.Store
	metrics  *metrics.Metrics
	validate *validator.Validate

	wg sync.WaitGroup
}

func NewIngress(cfg Config, reg approval.Registry, notifier dispatch.Notifier, aud audit.Store, m *metrics.Metrics) *Ingress {
	if aud == nil {
		aud = audit.NopStore{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	return &Ingress{
		cfg:      cfg,
		registry: reg,
		notifier: notifier,
		audit:    aud,
		metrics:  m,
		validate: newValidator(),
	}
}

// Handle processes one delivery. Only a *ValidationError is returned; every
// other outcome is reported through Result.
func (in *Ingress) Handle(ctx context.Context, eventType, deliveryID string, body []byte) (Result, error) {
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	res := Result{DeliveryID: deliveryID}

	if eventType == "" {
		err := &ValidationError{Reason: "missing " + HeaderEvent + " header"}
		in.record(ctx, eventType, deliveryID, "", statusInvalid, err.Error(), body)
		return res, err
	}

	if eventType != EventDeploymentProtectionRule {
		log.Debug().Str("event", eventType).Str("delivery", deliveryID).Msg("ignoring event")
		res.Status = StatusIgnored
		in.record(ctx, eventType, deliveryID, "", StatusIgnored, "", body)
		return res, nil
	}

	evt, err := parseEvent(in.validate, body)
	if err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("rejected protection rule event")
		in.record(ctx, eventType, deliveryID, "", statusInvalid, err.Error(), body)
		return res, err
	}

	rec := approval.PendingDeployment{
		Key:            approval.NewKey(evt.Repository.Owner.Login, evt.Repository.Name, evt.Environment),
		CallbackURL:    evt.DeploymentCallbackURL,
		InstallationID: evt.Installation.ID,
		Environment:    evt.Environment,
		RepoOwner:      evt.Repository.Owner.Login,
		RepoName:       evt.Repository.Name,
		DeliveryID:     deliveryID,
	}
	res.Key = rec.Key.String()

	switch err := in.registry.Register(rec); {
	case errors.Is(err, approval.ErrClosed):
		log.Warn().Str("key", res.Key).Str("delivery", deliveryID).Msg("registry closed, delivery refused")
		res.Status = StatusUnavailable
		in.record(ctx, eventType, deliveryID, res.Key, StatusUnavailable, err.Error(), body)
		return res, nil
	case err != nil:
		log.Warn().
			Str("key", res.Key).
			Str("delivery", deliveryID).
			Msg("deployment already pending, keeping the original callback")
		res.Status = StatusDuplicate
		in.record(ctx, eventType, deliveryID, res.Key, StatusDuplicate, "", body)
		return res, nil
	}

	in.metrics.PendingDeployments.Set(float64(in.registry.Len()))
	res.Status = StatusPending
	in.record(ctx, eventType, deliveryID, res.Key, StatusPending, "", body)

	log.Info().
		Str("key", res.Key).
		Str("repository", rec.Repository()).
		Str("environment", rec.Environment).
		Int64("installation", rec.InstallationID).
		Str("callback", dispatch.RedactURL(rec.CallbackURL)).
		Msg("deployment awaiting decision")
	in.logHints(rec.Key)

	in.wg.Add(1)
	go in.notifyWaiting(context.WithoutCancel(ctx), rec)

	return res, nil
}

// Wait blocks until every in-flight waiting notification has finished.
func (in *Ingress) Wait() {
	in.wg.Wait()
}

func (in *Ingress) notifyWaiting(ctx context.Context, rec approval.PendingDeployment) {
	defer in.wg.Done()

	if err := in.notifier.Notify(ctx, rec, dispatch.KindWaiting, ""); err != nil {
		// the record stays pending; the operator can still decide
		log.Warn().Err(err).Str("key", rec.Key.String()).Msg("waiting notification failed")
	}
}

func (in *Ingress) logHints(key approval.Key) {
	escaped := url.PathEscape(key.String())
	log.Info().
		Str("approve", "curl -X POST "+in.cfg.PublicURL+"/approve/"+escaped).
		Str("reject", "curl -X POST "+in.cfg.PublicURL+"/reject/"+escaped).
		Msg("decide with")
}

func (in *Ingress) record(ctx context.Context, eventType, deliveryID, key, outcome, detail string, body []byte) {
	in.metrics.Webhooks.WithLabelValues(eventLabel(eventType), outcome).Inc()

	entry := audit.Entry{
		Kind:          audit.KindWebhook,
		EventType:     eventType,
		DeliveryID:    deliveryID,
		DeploymentKey: key,
		Outcome:       outcome,
		Detail:        detail,
		Payload:       redactPayload(body),
	}
	if err := in.audit.Log(ctx, entry); err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("audit logging failed")
	}
}

// eventLabel keeps the metric's label set bounded.
func eventLabel(eventType string) string {
	switch eventType {
	case EventDeploymentProtectionRule:
		return eventType
	case "":
		return "none"
	default:
		return "other"
	}
}

// redactPayload masks the callback URL in a delivery body. Bodies that are
// not a JSON object are dropped.
func redactPayload(body []byte) json.RawMessage {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}

	if raw, ok := doc["deployment_callback_url"]; ok {
		var cb string
		if err := json.Unmarshal(raw, &cb); err == nil {
			doc["deployment_callback_url"], _ = json.Marshal(dispatch.RedactURL(cb))
		} else {
			delete(doc, "deployment_callback_url")
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}
