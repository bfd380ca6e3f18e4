package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/topichub/internal/config"
	"github.com/nfrund/topichub/internal/metrics"
	"github.com/nfrund/topichub/internal/middleware"
	"github.com/nfrund/topichub/internal/session"
	"github.com/nfrund/topichub/internal/subscription"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	cfg      *config.Config
	manager  *session.Manager
	registry *subscription.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger

	// ctx bounds every session served by the upgrade handler. It outlives
	// the request so echo's shutdown does not cut sessions mid-drain.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance with its middleware and routes.
func New(cfg *config.Config, manager *session.Manager, registry *subscription.Registry, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		E:        e,
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		metrics:  collector,
		logger:   logger.With("component", "server"),
		ctx:      ctx,
		cancel:   cancel,
	}

	setupErrorHandling(e)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))

	s.RegisterRoutes()
	return s
}

// setupErrorHandling logs unhandled errors with a stack trace and hides
// their detail from the client.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		logger := middleware.FromContext(c.Request().Context())

		if he, ok := err.(*echo.HTTPError); ok {
			if he.Code >= http.StatusInternalServerError {
				logger.Error("HTTP error", "code", he.Code, "error", he.Message)
			}
			if err := c.JSON(he.Code, map[string]any{"error": he.Message}); err != nil {
				logger.Error("Failed to write error response", "error", err)
			}
			return
		}

		logger.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"path", c.Request().URL.Path,
			"stack_trace", string(debug.Stack()))
		if err := c.JSON(http.StatusInternalServerError, map[string]any{
			"error": http.StatusText(http.StatusInternalServerError),
		}); err != nil {
			logger.Error("Failed to write error response", "error", err)
		}
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }
