package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/auth"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/decision"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// pendingView is the operator-facing shape of a pending deployment. The
// callback URL is never exposed.
type pendingView struct {
	Key            string         `json:"key"`
	Environment    string         `json:"environment"`
	Repository     string         `json:"repository"`
	InstallationID int64          `json:"installation_id"`
	State          approval.State `json:"state"`
	ReceivedAt     time.Time      `json:"received_at"`
}

type pendingList struct {
	Count       int           `json:"count"`
	Deployments []pendingView `json:"deployments"`
}

func newPendingView(rec approval.PendingDeployment) pendingView {
	return pendingView{
		Key:            rec.Key.String(),
		Environment:    rec.Environment,
		Repository:     rec.Repository(),
		InstallationID: rec.InstallationID,
		State:          rec.State,
		ReceivedAt:     rec.ReceivedAt,
	}
}

func newPendingList(recs []approval.PendingDeployment) pendingList {
	views := make([]pendingView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newPendingView(rec))
	}
	return pendingList{Count: len(views), Deployments: views}
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

type DecisionHandler struct {
	registry approval.Registry
	service  *decision.Service
}

func NewDecisionHandler(reg approval.Registry, svc *decision.Service) *DecisionHandler {
	return &DecisionHandler{registry: reg, service: svc}
}

// GetPending handles GET /pending
func (h *DecisionHandler) GetPending(c echo.Context) error {
	return c.JSON(http.StatusOK, newPendingList(h.registry.List()))
}

// GetDeployment handles GET /pending/{owner}/{repo}/{environment}
func (h *DecisionHandler) GetDeployment(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	rec, ok := h.registry.Lookup(key)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no pending deployment for " + key.String(),
		})
	}

	return c.JSON(http.StatusOK, newPendingView(rec))
}

// Approve handles POST /approve/{owner}/{repo}/{environment}
func (h *DecisionHandler) Approve(c echo.Context) error {
	return h.decide(c, approval.DecisionApprove)
}

// Reject handles POST /reject/{owner}/{repo}/{environment}
func (h *DecisionHandler) Reject(c echo.Context) error {
	return h.decide(c, approval.DecisionReject)
}

func (h *DecisionHandler) decide(c echo.Context, d approval.Decision) error {
	key, err := keyParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	evt := log.Info().Str("key", key.String()).Str("decision", string(d))
	if user := auth.GetUserFromContext(c); user != nil {
		evt = evt.Str("operator", user.Email)
	}
	evt.Msg("decision requested")

	// an operator disconnect must not leave the record stuck mid-resolve
	ctx := context.WithoutCancel(c.Request().Context())

	out, err := h.service.Decide(ctx, key, d, req.Comment)
	if err != nil {
		return decisionError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func decisionError(c echo.Context, err error) error {
	var dispErr *dispatch.Error
	var credErr *credential.Error

	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, approval.ErrAlreadyResolving):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, approval.ErrInvalidDecision):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &dispErr), errors.As(err, &credErr):
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"retryable": decision.Retryable(err),
		})
	default:
		log.Error().Err(err).Msg("decision failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

var errInvalidKey = errors.New("deployment key must be owner/repo/environment")

func keyParam(c echo.Context) (approval.Key, error) {
	raw, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return "", errInvalidKey
	}
	key, ok := approval.ParseKey(raw)
	if !ok {
		return "", errInvalidKey
	}
	return key, nil
}
