// Package http provides the HTTP front of the messaging service: the
// WebSocket endpoint and the health check.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/xiaot623/firstchat/internal/hub"
	"github.com/xiaot623/firstchat/internal/ws"
)

// Server is the HTTP server of the messaging service.
type Server struct {
	echo  *echo.Echo
	hub   *hub.Hub
	level log.Lvl
}

// NewServer creates a new HTTP server.
func NewServer(h *hub.Hub, wsServer *ws.Server) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:  e,
		hub:   h,
		level: log.INFO,
	}
	e.Logger.SetLevel(s.level)

	// Middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		// Request lines are info level.
		Skipper: func(echo.Context) bool { return s.level > log.INFO },
	}))
	e.Use(middleware.Recover())

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/ws", wsServer.HandleWebSocket)

	return s
}

// SetLogLevel applies one of debug, info, warn, error or off. Call it before Start.
func (s *Server) SetLogLevel(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	s.level = lvl
	s.echo.Logger.SetLevel(lvl)
	return nil
}

// ParseLogLevel maps a config log level to echo's logger level.
func ParseLogLevel(level string) (log.Lvl, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG, nil
	case "", "info":
		return log.INFO, nil
	case "warn", "warning":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return log.INFO, fmt.Errorf("unknown log level %q", level)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Connections: s.hub.GetConnectionCount(),
		Users:       s.hub.GetUserCount(),
	})
}
