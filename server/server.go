// Package server exposes the HTTP surface: the SSE stream endpoint, the tool
// execution endpoints and the connection management API, with API-key
// authentication and per-credential rate limiting.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/pubsub"
	"github.com/uiforge/renderbridge/store"
	"github.com/uiforge/renderbridge/task"
	"github.com/uiforge/renderbridge/tool"
)

type (
	// Options configures the HTTP server.
	Options struct {
		// Manager owns SSE connections. Required.
		Manager *conn.Manager
		// Bridge executes tool requests. Required.
		Bridge *tool.Bridge
		// Tracker reads task state for the status endpoint. Required.
		Tracker *task.Tracker
		// Store is used for health checks and cross-worker broadcast.
		// Required.
		Store store.Store
		// Channel is the cross-worker pub/sub channel for broadcasts.
		Channel string
		// Auth configures API-key authentication.
		Auth AuthOptions
		// EnableSSE mounts the /sse route group. When false the server
		// answers health checks only.
		EnableSSE bool
		// AllowedOrigins enables CORS for the listed origins when non-empty.
		AllowedOrigins []string
		// RateRPS and RateBurst bound per-credential request rates.
		// Zero values disable rate limiting.
		RateRPS   float64
		RateBurst int
	}

	// Server is the echo-backed HTTP server.
	Server struct {
		echo    *echo.Echo
		manager *conn.Manager
		bridge  *tool.Bridge
		tracker *task.Tracker
		store   store.Store
		channel string
	}
)

// New constructs the HTTP server and mounts all routes.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Manager == nil:
		return nil, fmt.Errorf("manager is required")
	case opts.Bridge == nil:
		return nil, fmt.Errorf("bridge is required")
	case opts.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("store is required")
	}
	auth, err := newAuthenticator(opts.Auth)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	s := &Server{
		echo:    e,
		manager: opts.Manager,
		bridge:  opts.Bridge,
		tracker: opts.Tracker,
		store:   opts.Store,
		channel: opts.Channel,
	}
	if s.channel == "" {
		s.channel = pubsub.DefaultChannel
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(opts.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  opts.AllowedOrigins,
			AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, auth.header, "Last-Event-ID"},
			ExposeHeaders: []string{connectionIDHeader, echo.HeaderXRequestID},
		}))
	}
	e.GET("/healthz", s.handleHealth)
	e.GET("/livez", s.handleLive)

	if opts.EnableSSE {
		sse := e.Group("/sse", auth.middleware)
		if opts.RateRPS > 0 {
			sse.Use(newRateLimiter(s.manager, opts.RateRPS, opts.RateBurst).middleware)
		}
		sse.GET("/connect", s.handleConnect)
		sse.POST("/tool", s.handleTool)
		sse.POST("/render", s.handleRender)
		sse.POST("/validate", s.handleValidate)
		sse.POST("/status", s.handleStatus)
		sse.DELETE("/requests/:id", s.handleCancel)
		sse.GET("/tasks/:id", s.handleGetTask)
		sse.GET("/connections/:id", s.handleGetConnection)
		sse.DELETE("/connections/:id", s.handleCloseConnection)
		sse.GET("/stats", s.handleStats)
		sse.POST("/broadcast", s.handleBroadcast)
	}

	return s, nil
}

// Start serves HTTP on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth reports readiness by pinging the shared store.
func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "health check"})
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// handleLive reports process liveness.
func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
