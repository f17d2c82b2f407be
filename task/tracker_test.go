package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/pubsub"
	"github.com/uiforge/renderbridge/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	tr, err := NewTracker(TrackerOptions{Store: st})
	require.NoError(t, err)
	return tr, st
}

// subscribeEnvelopes collects envelopes published on the default channel.
func subscribeEnvelopes(t *testing.T, st store.Store) <-chan pubsub.Envelope {
	t.Helper()
	sub, err := st.Subscribe(context.Background(), pubsub.DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	out := make(chan pubsub.Envelope, 16)
	go func() {
		for payload := range sub.Messages() {
			var env pubsub.Envelope
			if json.Unmarshal(payload, &env) == nil {
				out <- env
			}
		}
	}()
	time.Sleep(50 * time.Millisecond) // let the subscription establish
	return out
}

func nextEnvelope(t *testing.T, envs <-chan pubsub.Envelope) pubsub.Envelope {
	t.Helper()
	select {
	case env := <-envs:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope published")
		return pubsub.Envelope{}
	}
}

func TestUpdateWritesHashWithTTL(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, UpdateParams{
		TaskID:       "t1",
		Status:       StatusProcessing,
		Progress:     25,
		Message:      "Parsing DSL content",
		ConnectionID: "c1",
	}))

	fields, err := st.HashGetAll(ctx, Key("t1"))
	require.NoError(t, err)
	assert.Equal(t, "processing", fields["status"])
	assert.Equal(t, "25", fields["progress"])
	assert.Equal(t, "Parsing DSL content", fields["message"])
	assert.Equal(t, "c1", fields["connection_id"])
	assert.NotEmpty(t, fields["created_at"])
	assert.NotEmpty(t, fields["updated_at"])

	ttl, ok, err := st.TTL(ctx, Key("t1"))
	require.NoError(t, err)
	require.True(t, ok, "task hash must expire")
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestCreatedAtSetOnce(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, UpdateParams{TaskID: "t1", Status: StatusPending}))
	first, _, err := st.HashGet(ctx, Key("t1"), "created_at")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Update(ctx, UpdateParams{TaskID: "t1", Status: StatusProcessing, Progress: 50}))
	second, _, err := st.HashGet(ctx, Key("t1"), "created_at")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStatusTransitionsPublishEnvelopes(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()
	envs := subscribeEnvelopes(t, st)

	require.NoError(t, tr.Update(ctx, UpdateParams{TaskID: "t1", Status: StatusPending, ConnectionID: "c1"}))
	env := nextEnvelope(t, envs)
	assert.Equal(t, string(event.TypeRenderProgress), env.EventType)
	assert.Equal(t, "c1", env.ConnectionID)

	require.NoError(t, tr.Update(ctx, UpdateParams{
		TaskID:       "t1",
		Status:       StatusCompleted,
		Progress:     100,
		Result:       map[string]any{"success": true},
		ConnectionID: "c1",
	}))
	env = nextEnvelope(t, envs)
	assert.Equal(t, string(event.TypeRenderCompleted), env.EventType)
	assert.Contains(t, env.Data, "processing_time")

	require.NoError(t, tr.Update(ctx, UpdateParams{
		TaskID:       "t2",
		Status:       StatusFailed,
		Error:        "browser crashed",
		ConnectionID: "c1",
	}))
	env = nextEnvelope(t, envs)
	assert.Equal(t, string(event.TypeRenderFailed), env.EventType)
	assert.Equal(t, "browser crashed", env.Data["error"])
	assert.NotNil(t, env.Data["details"], "failed envelopes always carry details")
}

func TestUnserializableResultDegradesToMinimalShape(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, UpdateParams{
		TaskID:   "t1",
		Status:   StatusCompleted,
		Progress: 100,
		Result:   map[string]any{"bad": make(chan int)},
	}))

	raw, ok, err := st.HashGet(ctx, Key("t1"), "result")
	require.NoError(t, err)
	require.True(t, ok)

	var minimal map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &minimal))
	assert.Equal(t, "t1", minimal["task_id"])
	assert.Equal(t, "completed", minimal["status"])
	assert.Contains(t, minimal, "processing_time")
}

func TestGetDecodesTypedFields(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, UpdateParams{
		TaskID:   "t1",
		Status:   StatusCompleted,
		Progress: 100,
		Result:   map[string]any{"success": true},
	}))

	state, ok, err := tr.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, state["progress"])
	result, isMap := state["result"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, true, result["success"])
}

func TestGetMissingTask(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, ok, err := tr.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateRequiresTaskID(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.Error(t, tr.Update(context.Background(), UpdateParams{Status: StatusPending}))
}
