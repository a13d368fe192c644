package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds a single delivery; the platform caps payloads at 25MB.
const maxBodyBytes = 25 << 20

type Handler struct {
	ingress *Ingress
}

func NewHandler(ingress *Ingress) *Handler {
	return &Handler{ingress: ingress}
}

// HandleWebhook serves POST /webhook.
func (h *Handler) HandleWebhook(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read webhook body")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unreadable body",
		})
	}

	res, err := h.ingress.Handle(req.Context(), req.Header.Get(HeaderEvent), req.Header.Get(HeaderDelivery), body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error":  verr.Reason,
				"fields": verr.Fields,
			})
		}
		log.Error().Err(err).Msg("webhook handling failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}

	switch res.Status {
	case StatusPending:
		return c.JSON(http.StatusAccepted, res)
	case StatusDuplicate:
		return c.JSON(http.StatusConflict, res)
	case StatusUnavailable:
		return c.JSON(http.StatusServiceUnavailable, res)
	default:
		return c.JSON(http.StatusOK, res)
	}
}
