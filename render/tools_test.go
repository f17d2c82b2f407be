package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
)

// stubRenderer returns a canned PNG result or error.
type stubRenderer struct {
	result   *PNGResult
	err      error
	lastHTML string
	lastOpts Options
}

func (s *stubRenderer) Render(_ context.Context, html string, opts Options) (*PNGResult, error) {
	s.lastHTML = html
	s.lastOpts = opts
	return s.result, s.err
}

// stubStatus serves a fixed task state.
type stubStatus struct {
	state map[string]any
	found bool
}

func (s *stubStatus) Get(context.Context, string) (map[string]any, bool, error) {
	if s.state == nil {
		return nil, s.found, nil
	}
	// Copy so callers mutating the returned state do not affect later reads.
	state := make(map[string]any, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	return state, s.found, nil
}

func newTestTools(t *testing.T, r Renderer, s StatusSource) *Tools {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return NewTools(r, v, s)
}

func TestCallRenderTextWrappedOutput(t *testing.T) {
	r := &stubRenderer{result: &PNGResult{Base64Data: "aGk=", Width: 800, Height: 600, FileSize: 2}}
	tools := newTestTools(t, r, &stubStatus{})

	out, err := tools.Call(context.Background(), ToolRenderUIMockup, map[string]any{
		"dsl_content": `{"elements": [{"type": "button", "label": "Go"}]}`,
	})
	require.NoError(t, err)

	result, err := event.ParseToolOutput(out, ToolRenderUIMockup)
	require.NoError(t, err)
	assert.Equal(t, true, result["success"])
	assert.Contains(t, result, "png_result")
	assert.Contains(t, result, "processing_time")
	assert.Contains(t, r.lastHTML, "el-button")
}

func TestCallRenderArgumentOverridesOptions(t *testing.T) {
	r := &stubRenderer{result: &PNGResult{}}
	tools := newTestTools(t, r, &stubStatus{})

	_, err := tools.Call(context.Background(), ToolRenderUIMockup, map[string]any{
		"dsl_content": `{"elements": [{"type": "text", "text": "x"}]}`,
		"options":     map[string]any{"width": float64(640)},
		"width":       float64(320), // top-level argument wins
	})
	require.NoError(t, err)
	assert.Equal(t, 320, r.lastOpts.Width)
}

func TestCallRenderRequiresContent(t *testing.T) {
	tools := newTestTools(t, &stubRenderer{}, &stubStatus{})
	_, err := tools.Call(context.Background(), ToolRenderUIMockup, map[string]any{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidArguments))
}

func TestCallRenderBrowserFailureReportedInOutput(t *testing.T) {
	r := &stubRenderer{err: fault.New(fault.KindBrowserPool, "tab crashed")}
	tools := newTestTools(t, r, &stubStatus{})

	out, err := tools.Call(context.Background(), ToolRenderUIMockup, map[string]any{
		"dsl_content": `{"elements": [{"type": "text", "text": "x"}]}`,
	})
	require.NoError(t, err, "browser failures surface through the payload")

	result, err := event.ParseToolOutput(out, ToolRenderUIMockup)
	require.NoError(t, err)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "tab crashed")
}

func TestCallRenderTimeoutPropagates(t *testing.T) {
	r := &stubRenderer{err: fault.New(fault.KindToolTimeout, "render timed out")}
	tools := newTestTools(t, r, &stubStatus{})

	_, err := tools.Call(context.Background(), ToolRenderUIMockup, map[string]any{
		"dsl_content": `{"elements": [{"type": "text", "text": "x"}]}`,
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindToolTimeout))
}

func TestCallValidateStructuredOutput(t *testing.T) {
	tools := newTestTools(t, &stubRenderer{}, &stubStatus{})

	out, err := tools.Call(context.Background(), ToolValidateDSL, map[string]any{
		"dsl_content": `{"elements": [{"type": "button"}]}`,
	})
	require.NoError(t, err)

	result, err := event.ParseToolOutput(out, ToolValidateDSL)
	require.NoError(t, err)
	assert.Equal(t, true, result["valid"])
	assert.NotNil(t, result["errors"])
}

func TestCallStatus(t *testing.T) {
	status := &stubStatus{
		state: map[string]any{"status": "completed", "progress": 100, "result": map[string]any{"success": true}},
		found: true,
	}
	tools := newTestTools(t, &stubRenderer{}, status)

	out, err := tools.Call(context.Background(), ToolGetRenderStatus, map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	result, err := event.ParseToolOutput(out, ToolGetRenderStatus)
	require.NoError(t, err)
	assert.Equal(t, true, result["found"])
	assert.NotContains(t, result, "result", "result omitted unless requested")

	out, err = tools.Call(context.Background(), ToolGetRenderStatus, map[string]any{"task_id": "t1", "include_result": true})
	require.NoError(t, err)
	result, err = event.ParseToolOutput(out, ToolGetRenderStatus)
	require.NoError(t, err)
	assert.Contains(t, result, "result")
}

func TestCallStatusMissingTask(t *testing.T) {
	tools := newTestTools(t, &stubRenderer{}, &stubStatus{})
	out, err := tools.Call(context.Background(), ToolGetRenderStatus, map[string]any{"task_id": "nope"})
	require.NoError(t, err)
	result, err := event.ParseToolOutput(out, ToolGetRenderStatus)
	require.NoError(t, err)
	assert.Equal(t, false, result["found"])
}

func TestCallUnknownTool(t *testing.T) {
	tools := newTestTools(t, &stubRenderer{}, &stubStatus{})
	_, err := tools.Call(context.Background(), "summon_demon", nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUnknownTool))
}
