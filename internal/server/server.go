package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/Andiesam/test-dpr/internal/auth"
	"github.com/Andiesam/test-dpr/internal/decision"
	"github.com/Andiesam/test-dpr/internal/webhook"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	echo   *echo.Echo
	config Config
	hub    *Hub
}

type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the components the routes are served from.
type Deps struct {
	Registry  approval.Registry
	Ingress   *webhook.Ingress
	Decisions *decision.Service
	Audit     audit.Store
	Auth      *auth.Manager
	Gatherer  prometheus.Gatherer
}

func New(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Audit == nil {
		deps.Audit = audit.NopStore{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Auth == nil {
		// auth off: an empty config cannot fail
		deps.Auth, _ = auth.NewManager(auth.Config{})
	}

	s := &Server{
		echo:   e,
		config: cfg,
		hub:    NewHub(deps.Registry),
	}

	s.setupMiddleware()
	s.setupRoutes(deps)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	s.hub.Shutdown()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
}

func (s *Server) setupRoutes(deps Deps) {
	webhookHandler := webhook.NewHandler(deps.Ingress)
	decisionHandler := NewDecisionHandler(deps.Registry, deps.Decisions)
	auditHandler := NewAuditHandler(deps.Audit)
	wsHandler := NewWSHandler(s.hub, deps.Auth)
	authHandler := auth.NewHandler(deps.Auth)

	// Public endpoints
	s.echo.GET("/health", s.handleHealth(deps.Registry))
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	s.echo.POST("/webhook", webhookHandler.HandleWebhook)
	s.echo.POST("/login", authHandler.Login)
	s.echo.GET("/ws", wsHandler.HandleWebSocket)

	protected := s.echo.Group("", deps.Auth.Middleware())
	protected.GET("/me", authHandler.Me)
	protected.GET("/pending", decisionHandler.GetPending)
	protected.GET("/pending/*", decisionHandler.GetDeployment)
	protected.GET("/payloads", auditHandler.GetPayloads)
	protected.GET("/audit", auditHandler.GetAuditLog)

	approver := deps.Auth.RequireRole(auth.RoleApprover)
	protected.POST("/approve/*", decisionHandler.Approve, approver)
	protected.POST("/reject/*", decisionHandler.Reject, approver)
}

func (s *Server) handleHealth(reg approval.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"pending": reg.Len(),
		})
	}
}
