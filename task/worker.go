package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/render"
)

// Worker executes background render tasks, reporting each stage through the
// Tracker so progress reaches the owning SSE stream on the API workers.
type Worker struct {
	tracker *Tracker
	caller  render.Caller
}

// NewWorker constructs a render task worker.
func NewWorker(tracker *Tracker, caller render.Caller) (*Worker, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	return &Worker{tracker: tracker, caller: caller}, nil
}

// HandleRender is the asynq handler for TypeRender tasks. Permanent render
// failures are recorded on the task and not retried; only infrastructure
// failures (store writes) propagate as retryable errors.
func (w *Worker) HandleRender(ctx context.Context, t *asynq.Task) error {
	var job RenderJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("decode render job: %v: %w", err, asynq.SkipRetry)
	}
	log.Info(ctx, log.KV{K: "msg", V: "render task started"}, log.KV{K: "task_id", V: job.TaskID})

	step := func(progress int, message string) error {
		return w.tracker.Update(ctx, UpdateParams{
			TaskID:       job.TaskID,
			Status:       StatusProcessing,
			Progress:     progress,
			Message:      message,
			ConnectionID: job.ConnectionID,
		})
	}
	if err := step(25, "Parsing DSL content"); err != nil {
		return err
	}
	if _, _, err := render.CanonicalDSL(job.DSLContent); err != nil {
		return w.fail(ctx, job, err)
	}
	if err := step(50, "Generating HTML"); err != nil {
		return err
	}
	if err := step(75, "Rendering PNG"); err != nil {
		return err
	}

	out, err := w.caller.Call(ctx, render.ToolRenderUIMockup, map[string]any{
		"dsl_content": job.DSLContent,
		"options":     optionsMap(job.Options),
	})
	if err != nil {
		return w.fail(ctx, job, err)
	}
	result, err := event.ParseToolOutput(out, render.ToolRenderUIMockup)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	if success, _ := result["success"].(bool); !success {
		msg, _ := result["error"].(string)
		if msg == "" {
			msg = "render failed"
		}
		return w.fail(ctx, job, fmt.Errorf("%s", msg))
	}

	if err := w.tracker.Update(ctx, UpdateParams{
		TaskID:       job.TaskID,
		Status:       StatusCompleted,
		Progress:     100,
		Message:      "Render completed",
		Result:       result,
		ConnectionID: job.ConnectionID,
	}); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "render task completed"}, log.KV{K: "task_id", V: job.TaskID})
	return nil
}

// fail records a permanent task failure and tells asynq not to retry.
func (w *Worker) fail(ctx context.Context, job RenderJob, cause error) error {
	if err := w.tracker.Update(ctx, UpdateParams{
		TaskID:       job.TaskID,
		Status:       StatusFailed,
		Message:      "Render failed",
		Error:        cause.Error(),
		Details:      map[string]any{"task_type": TypeRender},
		ConnectionID: job.ConnectionID,
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "record task failure"}, log.KV{K: "task_id", V: job.TaskID})
	}
	return fmt.Errorf("render task %s: %v: %w", job.TaskID, cause, asynq.SkipRetry)
}

// optionsMap converts typed options back to the generic argument form the
// tool caller expects.
func optionsMap(o render.Options) map[string]any {
	m, err := o.Map()
	if err != nil {
		return map[string]any{}
	}
	return m
}
