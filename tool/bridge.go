// Package tool implements the tool-execution bridge: it drives the render,
// validate and status tools for a connection while emitting the SSE event
// sequence clients observe (call, started, progress, completed or failed,
// response).
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
	"github.com/uiforge/renderbridge/render"
	"github.com/uiforge/renderbridge/task"
)

// Request timeout bounds in seconds.
const (
	minTimeoutSeconds     = 10
	maxTimeoutSeconds     = 600
	defaultTimeoutSeconds = 300
)

type (
	// Request is a typed tool invocation targeting one connection.
	Request struct {
		ToolName     string         `json:"tool_name"`
		Arguments    map[string]any `json:"arguments"`
		ConnectionID string         `json:"connection_id"`
		// RequestID is client-supplied; the bridge generates one if absent.
		RequestID string `json:"request_id,omitempty"`
		// TimeoutSeconds bounds the whole execution, clamped to [10, 600].
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	}

	// Response is the outcome of a tool execution.
	Response struct {
		Success       bool           `json:"success"`
		ToolName      string         `json:"tool_name"`
		RequestID     string         `json:"request_id"`
		Result        map[string]any `json:"result,omitempty"`
		Error         string         `json:"error,omitempty"`
		ExecutionTime float64        `json:"execution_time"`
		EventsSent    int            `json:"events_sent"`
		// Fault is the classified failure behind Error, so transports can
		// map the kind to a status code. Nil on success.
		Fault *fault.Error `json:"-"`
	}

	// Bridge executes tool requests. It keeps an in-process table of active
	// requests for cancellation; the table is per worker and never shared.
	Bridge struct {
		manager *conn.Manager
		caller  render.Caller
		tracker *task.Tracker
		queue   task.Submitter

		renderTimeout time.Duration
		pollInterval  time.Duration
		monitorBudget time.Duration

		mu     sync.Mutex
		active map[string]*activeRequest
	}

	// Options configures a Bridge.
	Options struct {
		// Manager delivers events to connections. Required.
		Manager *conn.Manager
		// Caller invokes the external tools. Required.
		Caller render.Caller
		// Tracker reads and writes task state. Required.
		Tracker *task.Tracker
		// Queue submits background renders. Required.
		Queue task.Submitter
		// RenderTimeout bounds the synchronous renderer call. Defaults 60s.
		RenderTimeout time.Duration
		// PollInterval is the async monitor poll period. Defaults 2s.
		PollInterval time.Duration
		// MonitorBudget bounds how long an async monitor waits. Defaults 300s.
		MonitorBudget time.Duration
	}

	activeRequest struct {
		connectionID string
		cancelled    bool
		async        bool
		taskID       string
	}
)

// NewBridge constructs a tool bridge.
func NewBridge(opts Options) (*Bridge, error) {
	switch {
	case opts.Manager == nil:
		return nil, fmt.Errorf("manager is required")
	case opts.Caller == nil:
		return nil, fmt.Errorf("caller is required")
	case opts.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	}
	b := &Bridge{
		manager:       opts.Manager,
		caller:        opts.Caller,
		tracker:       opts.Tracker,
		queue:         opts.Queue,
		renderTimeout: opts.RenderTimeout,
		pollInterval:  opts.PollInterval,
		monitorBudget: opts.MonitorBudget,
		active:        make(map[string]*activeRequest),
	}
	if b.renderTimeout <= 0 {
		b.renderTimeout = 60 * time.Second
	}
	if b.pollInterval <= 0 {
		b.pollInterval = 2 * time.Second
	}
	if b.monitorBudget <= 0 {
		b.monitorBudget = 300 * time.Second
	}
	return b, nil
}

// Execute runs one tool request, emitting the event sequence on the target
// connection and returning the structured response. Failures never panic
// out: they surface as an error event plus a success=false response.
func (b *Bridge) Execute(ctx context.Context, req Request) Response {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}
	if timeout < minTimeoutSeconds {
		timeout = minTimeoutSeconds
	}
	if timeout > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	ar := &activeRequest{connectionID: req.ConnectionID}
	b.mu.Lock()
	b.active[req.RequestID] = ar
	b.mu.Unlock()

	em := &emitter{bridge: b, connectionID: req.ConnectionID, requestID: req.RequestID}
	em.emit(ctx, event.TypeToolCall, map[string]any{
		"tool_name":  req.ToolName,
		"arguments":  req.Arguments,
		"request_id": req.RequestID,
	})

	var (
		result map[string]any
		err    error
	)
	switch req.ToolName {
	case render.ToolRenderUIMockup:
		result, err = b.execRender(ctx, req, ar, em)
	case render.ToolValidateDSL:
		result, err = b.execValidate(ctx, req, em)
	case render.ToolGetRenderStatus:
		result, err = b.execStatus(ctx, req)
	default:
		err = fault.New(fault.KindUnknownTool, "unknown tool %q", req.ToolName)
	}

	// Async renders keep their active-request entry alive for the monitor;
	// everything else is done with the table now.
	if err != nil || !ar.async {
		b.drop(req.RequestID)
	}

	resp := Response{
		ToolName:      req.ToolName,
		RequestID:     req.RequestID,
		ExecutionTime: time.Since(start).Seconds(),
	}
	if err != nil {
		em.emit(ctx, event.TypeToolError, map[string]any{
			"tool_name":  req.ToolName,
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		em.emit(ctx, event.TypeConnectionError, map[string]any{
			"code":       "TOOL_EXECUTION_ERROR",
			"request_id": req.RequestID,
			"message":    err.Error(),
		})
		resp.Error = err.Error()
		var fe *fault.Error
		if !errors.As(err, &fe) {
			fe = fault.New(fault.KindInternal, "%s", err.Error())
		}
		resp.Fault = fe
		resp.EventsSent = em.count
		return resp
	}
	em.emit(ctx, event.TypeToolResponse, map[string]any{
		"success":    true,
		"tool_name":  req.ToolName,
		"request_id": req.RequestID,
		"result":     result,
	})
	resp.Success = true
	resp.Result = result
	resp.EventsSent = em.count
	return resp
}

// Cancel cancels an active request. Async renders are revoked on the task
// queue; sync requests are flagged so their emitter stops producing events.
// The connection learns about the cancellation through a connection.error
// event. Returns false when the request id is not active.
func (b *Bridge) Cancel(ctx context.Context, requestID string) bool {
	b.mu.Lock()
	ar := b.active[requestID]
	var snapshot activeRequest
	if ar != nil {
		ar.cancelled = true
		snapshot = *ar
	}
	b.mu.Unlock()
	if ar == nil {
		return false
	}
	if snapshot.async && snapshot.taskID != "" {
		revoked := b.queue.Revoke(ctx, snapshot.taskID)
		if err := b.tracker.Update(ctx, task.UpdateParams{
			TaskID:  snapshot.taskID,
			Status:  task.StatusCancelled,
			Message: "Cancelled by client",
		}); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "record task cancellation"}, log.KV{K: "task_id", V: snapshot.taskID})
		}
		log.Info(ctx, log.KV{K: "msg", V: "async render cancelled"},
			log.KV{K: "request_id", V: requestID}, log.KV{K: "revoked", V: revoked})
	}
	if snapshot.connectionID != "" {
		payload := map[string]any{
			"code":       "TOOL_CANCELLED",
			"request_id": requestID,
			"message":    "Request cancelled",
		}
		if snapshot.taskID != "" {
			payload["task_id"] = snapshot.taskID
		}
		b.manager.Send(ctx, snapshot.connectionID, event.New(event.TypeConnectionError, snapshot.connectionID, payload))
	}
	return true
}

// drop removes a request from the active table.
func (b *Bridge) drop(requestID string) {
	b.mu.Lock()
	delete(b.active, requestID)
	b.mu.Unlock()
}

// cancelled reports whether a request has been flagged cancelled.
func (b *Bridge) isCancelled(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ar := b.active[requestID]
	return ar != nil && ar.cancelled
}

// emitter sends events for one request, counting deliveries and honouring
// cancellation: once the request is cancelled no further events are emitted.
type emitter struct {
	bridge       *Bridge
	connectionID string
	requestID    string
	count        int
}

// emit sends one event to the request's connection unless cancelled.
func (e *emitter) emit(ctx context.Context, t event.Type, payload map[string]any) {
	e.emitEvent(ctx, event.New(t, e.connectionID, payload))
}

// emitEvent sends a constructed event unless the request is cancelled.
func (e *emitter) emitEvent(ctx context.Context, ev event.Event) {
	if e.bridge.isCancelled(e.requestID) {
		return
	}
	if e.bridge.manager.Send(ctx, e.connectionID, ev) {
		e.count++
	}
}

// errCancelled reports a context cancellation distinct from a deadline.
func errCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
