package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
	"github.com/uiforge/renderbridge/pubsub"
	"github.com/uiforge/renderbridge/render"
	"github.com/uiforge/renderbridge/tool"
)

// connectionIDHeader carries the new connection id so clients learn it
// before the first event arrives.
const connectionIDHeader = "X-Connection-ID"

// toolRequest is the body of the generic tool endpoint.
type toolRequest struct {
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	ConnectionID   string         `json:"connection_id"`
	RequestID      string         `json:"request_id,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// handleConnect opens an SSE stream. The response stays open until the
// client disconnects or the connection is closed server-side; every frame is
// flushed immediately.
func (s *Server) handleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := s.manager.Open(ctx, conn.OpenRequest{
		ClientAddr:     c.RealIP(),
		UserAgent:      c.Request().UserAgent(),
		CredentialHash: credentialHash(c),
		ClientID:       c.QueryParam("client_id"),
		LastEventID:    c.Request().Header.Get("Last-Event-ID"),
	})
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(connectionIDHeader, id)
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	log.Info(ctx, log.KV{K: "msg", V: "stream opened"}, log.KV{K: "connection_id", V: id})
	for frame := range s.manager.Stream(ctx, id) {
		if _, err := c.Response().Write(frame); err != nil {
			log.Info(ctx, log.KV{K: "msg", V: "stream write failed"}, log.KV{K: "connection_id", V: id})
			break
		}
		c.Response().Flush()
	}
	log.Info(ctx, log.KV{K: "msg", V: "stream closed"}, log.KV{K: "connection_id", V: id})
	return nil
}

// handleTool executes an arbitrary named tool against a connection.
func (s *Server) handleTool(c echo.Context) error {
	var req toolRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.KindInvalidArguments, "decode request body")
	}
	if req.ToolName == "" {
		return fault.New(fault.KindInvalidArguments, "tool_name is required")
	}
	return s.execute(c, req)
}

// handleRender executes render_ui_mockup with the request body as arguments.
func (s *Server) handleRender(c echo.Context) error {
	return s.fixedTool(c, render.ToolRenderUIMockup)
}

// handleValidate executes validate_dsl with the request body as arguments.
func (s *Server) handleValidate(c echo.Context) error {
	return s.fixedTool(c, render.ToolValidateDSL)
}

// handleStatus executes get_render_status with the request body as arguments.
func (s *Server) handleStatus(c echo.Context) error {
	return s.fixedTool(c, render.ToolGetRenderStatus)
}

// fixedTool binds a generic body and executes a fixed tool name with it.
func (s *Server) fixedTool(c echo.Context, name string) error {
	var req toolRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.KindInvalidArguments, "decode request body")
	}
	req.ToolName = name
	return s.execute(c, req)
}

// execute verifies the target connection and runs the tool request.
func (s *Server) execute(c echo.Context, req toolRequest) error {
	ctx := c.Request().Context()
	if req.ConnectionID == "" {
		return fault.New(fault.KindInvalidArguments, "connection_id is required")
	}
	record, err := s.manager.Get(ctx, req.ConnectionID)
	if err != nil {
		return err
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	resp := s.bridge.Execute(ctx, tool.Request{
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		ConnectionID:   req.ConnectionID,
		RequestID:      req.RequestID,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if resp.Fault != nil {
		// The failure kind picks the status code and the envelope shape.
		return resp.Fault
	}
	return c.JSON(http.StatusOK, resp)
}

// handleCancel cancels an active tool request.
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if !s.bridge.Cancel(c.Request().Context(), id) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"cancelled": true, "request_id": id})
}

// handleGetTask returns the raw state of a background render task.
func (s *Server) handleGetTask(c echo.Context) error {
	state, ok, err := s.tracker.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, state)
}

// handleGetConnection returns one connection record.
func (s *Server) handleGetConnection(c echo.Context) error {
	record, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.JSON(http.StatusOK, record)
}

// handleCloseConnection closes a connection on the client's behalf.
func (s *Server) handleCloseConnection(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	record, err := s.manager.Get(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if err := s.manager.Close(ctx, id, "client_request"); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"closed": true, "connection_id": id})
}

// handleStats reports connection counts for this worker and the cluster.
func (s *Server) handleStats(c echo.Context) error {
	total, err := s.manager.Count(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total_connections": total,
		"owned_connections": len(s.manager.OwnedIDs()),
	})
}

// handleBroadcast sends an event to every connection in the shared table,
// writing each ring, and relays it to the other workers over the
// cross-worker channel so their streams see it too.
func (s *Server) handleBroadcast(c echo.Context) error {
	var req struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.KindInvalidArguments, "decode request body")
	}
	if !event.Type(req.EventType).Valid() {
		return fault.New(fault.KindInvalidArguments, "unknown event type %q", req.EventType)
	}
	ctx := c.Request().Context()
	sent := s.manager.Broadcast(ctx, event.Type(req.EventType), req.Data)
	if err := pubsub.Publish(ctx, s.store, s.channel, pubsub.Envelope{
		EventType: req.EventType,
		Data:      req.Data,
		Origin:    s.manager.Worker(),
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "sent_count": sent})
}
