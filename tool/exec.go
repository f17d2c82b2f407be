package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
	"github.com/uiforge/renderbridge/render"
	"github.com/uiforge/renderbridge/task"
)

// execRender runs the render_ui_mockup tool. Synchronous renders block on the
// headless renderer with a hard timeout; async renders enqueue a background
// task and return a pointer the client polls with get_render_status.
func (b *Bridge) execRender(ctx context.Context, req Request, ar *activeRequest, em *emitter) (map[string]any, error) {
	content, _ := req.Arguments["dsl_content"].(string)
	if content == "" {
		return nil, fault.New(fault.KindInvalidArguments, "dsl_content is required")
	}
	rawOpts, _ := req.Arguments["options"].(map[string]any)
	opts := render.CoerceOptions(rawOpts)
	if w, ok := numberArg(req.Arguments["width"]); ok {
		opts.Width = w
	}
	if h, ok := numberArg(req.Arguments["height"]); ok {
		opts.Height = h
	}

	canonical, _, err := render.CanonicalDSL(content)
	if err != nil {
		return nil, err
	}

	if async, _ := req.Arguments["async_mode"].(bool); async {
		return b.submitAsync(ctx, req, ar, canonical, opts)
	}

	em.emit(ctx, event.TypeRenderStarted, map[string]any{
		"request_id": req.RequestID,
		"options":    optionsMap(opts),
	})
	em.emit(ctx, event.TypeRenderProgress, map[string]any{
		"request_id": req.RequestID,
		"progress":   10,
		"message":    "Starting DSL parsing",
		"stage":      "parsing",
	})

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, b.renderTimeout)
	defer cancel()
	out, err := b.caller.Call(rctx, render.ToolRenderUIMockup, map[string]any{
		"dsl_content": canonical,
		"options":     optionsMap(opts),
		"width":       opts.Width,
		"height":      opts.Height,
		"async_mode":  false,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || fault.IsKind(err, fault.KindToolTimeout) {
			err = fault.New(fault.KindToolTimeout, "render timed out after %s", b.renderTimeout)
		} else if errCancelled(err) {
			err = fmt.Errorf("render cancelled")
		}
		em.emit(ctx, event.TypeRenderFailed, map[string]any{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return nil, err
	}
	result, err := event.ParseToolOutput(out, render.ToolRenderUIMockup)
	if err != nil {
		em.emit(ctx, event.TypeRenderFailed, map[string]any{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return nil, err
	}
	if success, _ := result["success"].(bool); !success {
		msg, _ := result["error"].(string)
		if msg == "" {
			msg = "render failed"
		}
		em.emit(ctx, event.TypeRenderFailed, map[string]any{
			"request_id": req.RequestID,
			"error":      msg,
		})
		return nil, fault.New(fault.KindInternal, "%s", msg)
	}

	em.emit(ctx, event.TypeRenderCompleted, map[string]any{
		"request_id":      req.RequestID,
		"result":          result,
		"processing_time": time.Since(start).Seconds(),
	})
	return result, nil
}

// submitAsync enqueues a background render and spawns the monitor that
// relays the terminal state to the connection. The returned result points
// the client at the status tool; progress itself arrives through the
// cross-worker channel as the background worker reports it.
func (b *Bridge) submitAsync(ctx context.Context, req Request, ar *activeRequest, canonical string, opts render.Options) (map[string]any, error) {
	job := task.RenderJob{
		ConnectionID: req.ConnectionID,
		DSLContent:   canonical,
		Options:      opts,
	}
	taskID, err := b.queue.Submit(ctx, job)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "submit async render")
	}
	if err := b.tracker.Update(ctx, task.UpdateParams{
		TaskID:       taskID,
		Status:       task.StatusPending,
		Message:      "Render queued",
		ConnectionID: req.ConnectionID,
	}); err != nil {
		return nil, err
	}

	b.mu.Lock()
	ar.async = true
	ar.taskID = taskID
	b.mu.Unlock()

	go b.monitor(req.RequestID, taskID)

	return map[string]any{
		"async":             true,
		"task_id":           taskID,
		"message":           "Render task submitted",
		"status_check_tool": render.ToolGetRenderStatus,
	}, nil
}

// monitor polls an async task until it reaches a terminal state or the
// budget elapses, then retires the request from the active table. Progress
// events reach the stream through the pub/sub bridge; the monitor exists to
// bound the request lifetime and catch tasks that vanish.
func (b *Bridge) monitor(requestID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.monitorBudget)
	defer cancel()
	defer b.drop(requestID)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Warn(ctx, log.KV{K: "msg", V: "async render monitor budget exhausted"},
				log.KV{K: "task_id", V: taskID})
			return
		case <-ticker.C:
		}
		if b.isCancelled(requestID) {
			return
		}
		state, ok, err := b.tracker.Get(ctx, taskID)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "poll async render"}, log.KV{K: "task_id", V: taskID})
			continue
		}
		if !ok {
			log.Warn(ctx, log.KV{K: "msg", V: "async render task expired"}, log.KV{K: "task_id", V: taskID})
			return
		}
		switch status, _ := state["status"].(string); task.Status(status) {
		case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
			return
		}
	}
}

// execValidate runs the validate_dsl tool.
func (b *Bridge) execValidate(ctx context.Context, req Request, em *emitter) (map[string]any, error) {
	if content, _ := req.Arguments["dsl_content"].(string); content == "" {
		return nil, fault.New(fault.KindInvalidArguments, "dsl_content is required")
	}
	em.emit(ctx, event.TypeRenderProgress, map[string]any{
		"request_id": req.RequestID,
		"progress":   50,
		"message":    "Validating DSL syntax",
		"stage":      "validation",
	})
	out, err := b.caller.Call(ctx, render.ToolValidateDSL, req.Arguments)
	if err != nil {
		em.emit(ctx, event.TypeValidationFailed, map[string]any{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return nil, err
	}
	result, err := event.ParseToolOutput(out, render.ToolValidateDSL)
	if err != nil {
		return nil, err
	}
	em.emit(ctx, event.TypeValidationCompleted, map[string]any{
		"request_id": req.RequestID,
		"result":     result,
	})
	return result, nil
}

// execStatus runs the get_render_status tool. Status lookups emit no
// progress events of their own.
func (b *Bridge) execStatus(ctx context.Context, req Request) (map[string]any, error) {
	if taskID, _ := req.Arguments["task_id"].(string); taskID == "" {
		return nil, fault.New(fault.KindInvalidArguments, "task_id is required")
	}
	out, err := b.caller.Call(ctx, render.ToolGetRenderStatus, req.Arguments)
	if err != nil {
		return nil, err
	}
	return event.ParseToolOutput(out, render.ToolGetRenderStatus)
}

// optionsMap converts typed render options to the generic argument form.
func optionsMap(o render.Options) map[string]any {
	m, err := o.Map()
	if err != nil {
		return map[string]any{}
	}
	return m
}

// numberArg extracts an integer argument that may decode as float64.
func numberArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
