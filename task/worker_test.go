package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uiforge/renderbridge/render"
)

// scriptedCaller returns a fixed output or error for every call.
type scriptedCaller struct {
	out  []byte
	err  error
	args map[string]any
}

func (s *scriptedCaller) Call(_ context.Context, _ string, args map[string]any) ([]byte, error) {
	s.args = args
	return s.out, s.err
}

func renderTask(t *testing.T, job RenderJob) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return asynq.NewTask(TypeRender, payload)
}

func TestHandleRenderSuccess(t *testing.T) {
	tr, _ := newTestTracker(t)
	caller := &scriptedCaller{out: []byte(`[{"text": "{\"success\": true, \"png_result\": {\"width\": 800}}"}]`)}
	w, err := NewWorker(tr, caller)
	require.NoError(t, err)

	job := RenderJob{
		TaskID:       "t1",
		ConnectionID: "c1",
		DSLContent:   `{"elements": [{"type": "button"}]}`,
		Options:      render.DefaultOptions(),
	}
	require.NoError(t, w.HandleRender(context.Background(), renderTask(t, job)))

	state, ok, err := tr.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(StatusCompleted), state["status"])
	assert.Equal(t, 100, state["progress"])
	result, isMap := state["result"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, true, result["success"])

	// The caller received the canonical content and typed options.
	assert.Contains(t, caller.args, "dsl_content")
	opts, isMap := caller.args["options"].(map[string]any)
	require.True(t, isMap)
	assert.EqualValues(t, 800, opts["width"])
}

func TestHandleRenderInvalidDSLFailsPermanently(t *testing.T) {
	tr, _ := newTestTracker(t)
	w, err := NewWorker(tr, &scriptedCaller{})
	require.NoError(t, err)

	job := RenderJob{TaskID: "t1", DSLContent: `{"elements": [}`}
	err = w.HandleRender(context.Background(), renderTask(t, job))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry), "permanent failures must not retry")

	state, ok, getErr := tr.Get(context.Background(), "t1")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, string(StatusFailed), state["status"])
	assert.Contains(t, state["error"], "invalid DSL JSON")
}

func TestHandleRenderUnsuccessfulOutputFails(t *testing.T) {
	tr, _ := newTestTracker(t)
	caller := &scriptedCaller{out: []byte(`[{"text": "{\"success\": false, \"error\": \"tab crashed\"}"}]`)}
	w, err := NewWorker(tr, caller)
	require.NoError(t, err)

	job := RenderJob{TaskID: "t1", DSLContent: `{"elements": [{"type": "text"}]}`}
	err = w.HandleRender(context.Background(), renderTask(t, job))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	state, _, getErr := tr.Get(context.Background(), "t1")
	require.NoError(t, getErr)
	assert.Equal(t, "tab crashed", state["error"])
}

func TestHandleRenderBadPayloadSkipsRetry(t *testing.T) {
	tr, _ := newTestTracker(t)
	w, err := NewWorker(tr, &scriptedCaller{})
	require.NoError(t, err)

	err = w.HandleRender(context.Background(), asynq.NewTask(TypeRender, []byte("not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
