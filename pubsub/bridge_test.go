package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/store"
)

func newTestBridge(t *testing.T) (*Bridge, *conn.Manager, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	manager, err := conn.NewManager(conn.Options{Store: st, Worker: "w1"})
	require.NoError(t, err)
	bridge, err := New(Options{Store: st, Manager: manager})
	require.NoError(t, err)
	return bridge, manager, st
}

// nextEvent reads one frame from the stream and decodes it.
func nextEvent(t *testing.T, frames <-chan []byte) event.Event {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "stream closed early")
		e, err := event.ParseWire(frame)
		require.NoError(t, err)
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return event.Event{}
	}
}

func TestTargetedEnvelopeReachesOwnedConnection(t *testing.T) {
	bridge, manager, st := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	id, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	frames := manager.Stream(ctx, id)
	nextEvent(t, frames) // connection.opened

	// Give the subscription a moment to establish before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType:    string(event.TypeRenderProgress),
		ConnectionID: id,
		Data:         map[string]any{"task_id": "t1", "progress": 50},
	}))

	e := nextEvent(t, frames)
	assert.Equal(t, event.TypeRenderProgress, e.Type)
	assert.EqualValues(t, 50, e.Payload["progress"])
}

func TestBroadcastEnvelopeReachesEveryOwnedConnection(t *testing.T) {
	bridge, manager, st := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	a, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	b, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	framesA := manager.Stream(ctx, a)
	framesB := manager.Stream(ctx, b)
	nextEvent(t, framesA)
	nextEvent(t, framesB)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType: string(event.TypeStatusUpdate),
		Data:      map[string]any{"message": "maintenance window"},
	}))

	assert.Equal(t, event.TypeStatusUpdate, nextEvent(t, framesA).Type)
	assert.Equal(t, event.TypeStatusUpdate, nextEvent(t, framesB).Type)
}

func TestUnknownEventTypeDropped(t *testing.T) {
	bridge, manager, st := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	id, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	frames := manager.Stream(ctx, id)
	nextEvent(t, frames)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType:    "definitely.not.a.thing",
		ConnectionID: id,
		Data:         map[string]any{},
	}))
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType:    string(event.TypeStatusUpdate),
		ConnectionID: id,
		Data:         map[string]any{"message": "after the bad one"},
	}))

	// Only the valid envelope arrives.
	e := nextEvent(t, frames)
	assert.Equal(t, event.TypeStatusUpdate, e.Type)
}

func TestEnvelopeFromOwnWorkerSkipped(t *testing.T) {
	bridge, manager, st := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	id, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	frames := manager.Stream(ctx, id)
	nextEvent(t, frames)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType: string(event.TypeStatusUpdate),
		Data:      map[string]any{"message": "already delivered here"},
		Origin:    "w1",
	}))
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType: string(event.TypeStatusUpdate),
		Data:      map[string]any{"message": "from another worker"},
		Origin:    "w2",
	}))

	// Only the remote worker's envelope arrives.
	e := nextEvent(t, frames)
	assert.Equal(t, "from another worker", e.Payload["message"])
}

func TestEnvelopeForUnownedConnectionIgnored(t *testing.T) {
	bridge, manager, st := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	id, err := manager.Open(ctx, conn.OpenRequest{})
	require.NoError(t, err)
	frames := manager.Stream(ctx, id)
	nextEvent(t, frames)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType:    string(event.TypeRenderProgress),
		ConnectionID: "owned-by-another-worker",
		Data:         map[string]any{"progress": 10},
	}))
	require.NoError(t, Publish(ctx, st, DefaultChannel, Envelope{
		EventType:    string(event.TypeRenderProgress),
		ConnectionID: id,
		Data:         map[string]any{"progress": 20},
	}))

	e := nextEvent(t, frames)
	assert.EqualValues(t, 20, e.Payload["progress"])
}
