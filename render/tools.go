package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uiforge/renderbridge/fault"
)

// Tool names accepted by the Caller.
const (
	ToolRenderUIMockup  = "render_ui_mockup"
	ToolValidateDSL     = "validate_dsl"
	ToolGetRenderStatus = "get_render_status"
)

type (
	// Caller invokes a named rendering tool and returns its raw output in
	// one of the two producer conventions decoded by event.ParseToolOutput.
	Caller interface {
		Call(ctx context.Context, name string, args map[string]any) ([]byte, error)
	}

	// StatusSource reads task state for the get_render_status tool. The
	// task tracker satisfies this without the renderer depending on it.
	StatusSource interface {
		Get(ctx context.Context, taskID string) (map[string]any, bool, error)
	}

	// Tools is the local Caller implementation backed by the headless
	// renderer, the schema validator and the task tracker.
	Tools struct {
		renderer  Renderer
		validator *Validator
		status    StatusSource
	}
)

// NewTools constructs the local tool caller.
func NewTools(renderer Renderer, validator *Validator, status StatusSource) *Tools {
	return &Tools{renderer: renderer, validator: validator, status: status}
}

// Call dispatches a tool by name. Render failures inside the browser are
// reported through the output payload (success=false) so callers observe
// them after parsing; transport-level failures return an error.
func (t *Tools) Call(ctx context.Context, name string, args map[string]any) ([]byte, error) {
	switch name {
	case ToolRenderUIMockup:
		return t.callRender(ctx, args)
	case ToolValidateDSL:
		return t.callValidate(args)
	case ToolGetRenderStatus:
		return t.callStatus(ctx, args)
	default:
		return nil, fault.New(fault.KindUnknownTool, "unknown tool %q", name)
	}
}

// callRender renders DSL content to a PNG. Output uses the text-wrapped
// convention: a single-element list whose text field holds the result JSON.
func (t *Tools) callRender(ctx context.Context, args map[string]any) ([]byte, error) {
	content, _ := args["dsl_content"].(string)
	if content == "" {
		return nil, fault.New(fault.KindInvalidArguments, "dsl_content is required")
	}
	rawOpts, _ := args["options"].(map[string]any)
	opts := CoerceOptions(rawOpts)
	if w, ok := numberArg(args["width"]); ok {
		opts.Width = w
	}
	if h, ok := numberArg(args["height"]); ok {
		opts.Height = h
	}

	_, doc, err := CanonicalDSL(content)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	png, err := t.renderer.Render(ctx, HTML(doc, opts), opts)
	if err != nil {
		if fault.IsKind(err, fault.KindToolTimeout) {
			return nil, err
		}
		return textOutput(map[string]any{
			"success": false,
			"error":   errString(err),
		})
	}
	return textOutput(map[string]any{
		"success":         true,
		"png_result":      png,
		"processing_time": time.Since(start).Seconds(),
	})
}

// callValidate validates DSL content. Output uses the structured convention:
// the first list element is the result map itself.
func (t *Tools) callValidate(args map[string]any) ([]byte, error) {
	content, _ := args["dsl_content"].(string)
	if content == "" {
		return nil, fault.New(fault.KindInvalidArguments, "dsl_content is required")
	}
	res := t.validator.Validate(content)
	return structuredOutput(res)
}

// callStatus reads task state from the tracker.
func (t *Tools) callStatus(ctx context.Context, args map[string]any) ([]byte, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return nil, fault.New(fault.KindInvalidArguments, "task_id is required")
	}
	state, ok, err := t.status.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return structuredOutput(map[string]any{
			"task_id": taskID,
			"found":   false,
		})
	}
	includeResult, _ := args["include_result"].(bool)
	if !includeResult {
		delete(state, "result")
	}
	state["task_id"] = taskID
	state["found"] = true
	return structuredOutput(state)
}

// textOutput encodes a result in the text-wrapped producer convention.
func textOutput(result any) ([]byte, error) {
	inner, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return json.Marshal([]map[string]any{{"text": string(inner)}})
}

// structuredOutput encodes a result in the structured producer convention.
func structuredOutput(result any) ([]byte, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return json.Marshal([]map[string]any{m})
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
