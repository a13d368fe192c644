package server

import (
	"net/http"
	"strconv"

	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const maxAuditLimit = 1000

type AuditHandler struct {
	store audit.Store
}

func NewAuditHandler(store audit.Store) *AuditHandler {
	return &AuditHandler{store: store}
}

// GetAuditLog handles GET /audit: every recorded delivery and decision.
func (h *AuditHandler) GetAuditLog(c echo.Context) error {
	entries, err := h.list(c, "")
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

// GetPayloads handles GET /payloads: recorded webhook deliveries.
func (h *AuditHandler) GetPayloads(c echo.Context) error {
	entries, err := h.list(c, audit.KindWebhook)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(entries),
		"payloads": entries,
	})
}

func (h *AuditHandler) list(c echo.Context, kind audit.Kind) ([]audit.Entry, error) {
	limit := audit.DefaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.store.List(c.Request().Context(), audit.Query{Kind: kind, Limit: limit})
	if err != nil {
		log.Error().Err(err).Str("remote_addr", c.RealIP()).Msg("failed to retrieve audit log")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve audit log")
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	return entries, nil
}
