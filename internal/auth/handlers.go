package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Handler serves operator sessions: POST /login and GET /me.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is what an operator gets back from a successful login. Token goes
// into the Authorization header of decision calls.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Operator  User      `json:"operator"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "login body must be {email, password}",
		})
	}

	operator, err := h.manager.Authenticate(req.Email, req.Password)
	if err != nil {
		log.Warn().Str("operator", req.Email).Str("remote", c.RealIP()).Msg("operator login rejected")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	token, err := h.manager.GenerateToken(*operator)
	if err != nil {
		log.Error().Err(err).Str("operator", operator.Email).Msg("could not sign operator session")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "session unavailable"})
	}

	log.Info().Str("operator", operator.Email).Strs("roles", operator.Roles).Msg("operator session started")
	return c.JSON(http.StatusOK, Session{
		Token:     token,
		ExpiresAt: time.Now().Add(h.manager.config.TokenExpiration).UTC(),
		Operator:  *operator,
	})
}

// Me reports who is deciding. With auth off every caller is an anonymous
// operator holding every role.
func (h *Handler) Me(c echo.Context) error {
	if operator := GetUserFromContext(c); operator != nil {
		return c.JSON(http.StatusOK, operator)
	}
	if !h.manager.Required() {
		return c.JSON(http.StatusOK, User{ID: "anonymous", Name: "anonymous", Roles: []string{RoleAdmin}})
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "no operator session"})
}
