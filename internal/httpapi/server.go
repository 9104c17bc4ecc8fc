// Package httpapi serves the conversational API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/craftlabs/mockupd/internal/feedback"
	"github.com/craftlabs/mockupd/internal/orchestrator"
	"github.com/craftlabs/mockupd/internal/session"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	gate   *feedback.Gate
	logger *zap.Logger
	config *Config
}

// NewServer wires routes and middleware. gatherer serves /metrics and
// may be nil to disable the endpoint. gate may be nil when approval
// gating is off.
func NewServer(orch *orchestrator.Orchestrator, gate *feedback.Gate, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8086}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		gate:   gate,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes(gatherer)

	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/turn", s.handleTurn)
	v1.GET("/sessions/:id/status", s.handleStatus)
	v1.POST("/sessions/:id/reset", s.handleReset)
	v1.GET("/feedback", s.handleListFeedback)
	v1.POST("/feedback/:id/approve", s.handleApprove)
	v1.POST("/feedback/:id/deny", s.handleDeny)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleTurn runs one conversational turn.
func (s *Server) handleTurn(c echo.Context) error {
	var req orchestrator.TurnRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid turn request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id field is required")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	result, err := s.orch.ProcessTurn(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		if result != nil {
			// The turn produced a usable answer before persistence
			// failed; serve it rather than a bare 500.
			return c.JSON(http.StatusOK, result)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "turn processing failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.orch.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "status lookup failed")
	}
	return c.JSON(http.StatusOK, status)
}

// ResetResponse is the response body for POST /api/v1/sessions/:id/reset.
type ResetResponse struct {
	SessionID string        `json:"session_id"`
	Phase     session.Phase `json:"phase"`
}

func (s *Server) handleReset(c echo.Context) error {
	sess, err := s.orch.Reset(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	return c.JSON(http.StatusOK, ResetResponse{SessionID: sess.ID, Phase: sess.Phase})
}

func (s *Server) handleListFeedback(c echo.Context) error {
	if s.gate == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feedback gating is disabled")
	}
	pending, err := s.gate.Pending(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "feedback lookup failed")
	}
	if pending == nil {
		pending = []*feedback.Request{}
	}
	return c.JSON(http.StatusOK, pending)
}

// FeedbackResponse is the response body for feedback resolution calls.
type FeedbackResponse struct {
	ID     string          `json:"id"`
	Status feedback.Status `json:"status"`
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.resolve(c, true)
}

func (s *Server) handleDeny(c echo.Context) error {
	return s.resolve(c, false)
}

func (s *Server) resolve(c echo.Context, approve bool) error {
	if s.gate == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feedback gating is disabled")
	}
	id := c.Param("id")
	status, err := s.gate.Resolve(c.Request().Context(), id, approve)
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "feedback request not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "feedback resolution failed")
	}
	return c.JSON(http.StatusOK, FeedbackResponse{ID: id, Status: status})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
