package server

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/topichub/internal/metrics"
	"github.com/nfrund/topichub/internal/middleware"
	"github.com/nfrund/topichub/internal/session"
	"github.com/nfrund/topichub/internal/subscription"
	"github.com/nfrund/topichub/internal/transport"
)

// RegisterRoutes sets up all the broker routes.
func (s *Server) RegisterRoutes() {
	var upgrade []echo.MiddlewareFunc
	if s.cfg.AcceptRate > 0 {
		upgrade = append(upgrade, middleware.RateLimiter(s.cfg.AcceptRate))
	}
	s.E.GET(s.cfg.WSPath, s.handleWebSocket, upgrade...)

	s.E.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.E.GET("/stats", s.handleStats)
	if s.metrics != nil {
		s.E.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Stats is the body served on /stats.
type Stats struct {
	Sessions     int                `json:"sessions"`
	Registry     subscription.Stats `json:"registry"`
	Codec        string             `json:"codec"`
	ShuttingDown bool               `json:"shutting_down"`
	Metrics      *metrics.Snapshot  `json:"metrics,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats := Stats{
		Sessions:     s.manager.Count(),
		Registry:     s.registry.Stats(),
		Codec:        s.manager.Codec().Name(),
		ShuttingDown: s.ctx.Err() != nil,
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		stats.Metrics = &snap
	}
	return c.JSON(http.StatusOK, stats)
}

// handleWebSocket upgrades the request and serves the session until it
// closes. The upgrade writes its own error response on failure.
func (s *Server) handleWebSocket(c echo.Context) error {
	logger := middleware.FromContext(c.Request().Context())

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns:     s.cfg.AllowedOrigins,
		InsecureSkipVerify: len(s.cfg.AllowedOrigins) == 0,
	})
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err, "remote_ip", c.RealIP())
		return nil
	}

	ws := transport.NewWebSocket(conn, s.manager.Codec().Binary(), s.cfg.MaxFrameBytes)
	logger.Debug("WebSocket connected", "remote_ip", c.RealIP())
	if err := s.manager.Serve(s.ctx, ws); err != nil {
		if errors.Is(err, session.ErrShuttingDown) {
			logger.Debug("Rejected connection during shutdown", "remote_ip", c.RealIP())
			return nil
		}
		logger.Warn("Session ended with error", "error", err)
	}
	return nil
}
