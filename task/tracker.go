// Package task persists render task state in the shared store and publishes
// task progress to the cross-worker event channel. API workers submit tasks
// through the Queue; background workers execute them and report through the
// Tracker, whose published envelopes reach the owning SSE stream via the
// pub/sub bridge.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
	"github.com/uiforge/renderbridge/pubsub"
	"github.com/uiforge/renderbridge/store"
)

// keyPrefix prefixes task hash keys in the shared store.
const keyPrefix = "task:"

// Key returns the shared-store hash key for a task.
func Key(taskID string) string {
	return keyPrefix + taskID
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type (
	// Tracker reads and writes task hashes and publishes status envelopes.
	Tracker struct {
		store   store.Store
		channel string
		ttl     time.Duration
	}

	// TrackerOptions configures a Tracker.
	TrackerOptions struct {
		// Store is the shared store client. Required.
		Store store.Store
		// Channel is the cross-worker pub/sub channel.
		// Defaults to pubsub.DefaultChannel.
		Channel string
		// TTL is the task hash lifetime, renewed on every update.
		// Defaults to 1h.
		TTL time.Duration
	}

	// UpdateParams describes one task state transition. Optional fields are
	// omitted from the hash when empty so the store never sees nulls.
	UpdateParams struct {
		TaskID   string
		Status   Status
		Progress int
		Message  string
		// Result carries the completed render artifact.
		Result map[string]any
		// Error and Details describe a failure.
		Error   string
		Details map[string]any
		// ConnectionID targets the published envelope at one stream. When
		// empty the envelope is broadcast.
		ConnectionID string
	}
)

// NewTracker constructs a Tracker.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	t := &Tracker{store: opts.Store, channel: opts.Channel, ttl: opts.TTL}
	if t.channel == "" {
		t.channel = pubsub.DefaultChannel
	}
	if t.ttl <= 0 {
		t.ttl = time.Hour
	}
	return t, nil
}

// Update writes the task hash, renews its TTL and publishes a status
// envelope on the cross-worker channel. A result that cannot be
// JSON-encoded degrades to a minimal result shape rather than failing the
// update.
func (t *Tracker) Update(ctx context.Context, p UpdateParams) error {
	if p.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	key := Key(p.TaskID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	fields := map[string]string{
		"status":     string(p.Status),
		"progress":   strconv.Itoa(p.Progress),
		"updated_at": now,
	}
	if p.Message != "" {
		fields["message"] = p.Message
	}
	if p.Error != "" {
		fields["error"] = p.Error
	}
	if p.ConnectionID != "" {
		fields["connection_id"] = p.ConnectionID
	}

	createdAt := now
	if existing, ok, err := t.store.HashGet(ctx, key, "created_at"); err != nil {
		return err
	} else if ok {
		createdAt = existing
	} else {
		fields["created_at"] = now
	}

	if p.Result != nil {
		encoded, err := json.Marshal(p.Result)
		if err != nil {
			// Fall back to a minimal result the store can always hold.
			serr := fault.Wrap(fault.KindResultSerialize, err, "encode result for task %s", p.TaskID)
			log.Warn(ctx, log.KV{K: "msg", V: "task result not serializable, storing minimal shape"},
				log.KV{K: "task_id", V: p.TaskID}, log.KV{K: "err", V: serr.Error()})
			minimal := map[string]any{
				"task_id":         p.TaskID,
				"status":          string(p.Status),
				"processing_time": processingSeconds(createdAt, now),
				"created_at":      createdAt,
				"updated_at":      now,
			}
			if p.Error != "" {
				minimal["error"] = p.Error
			}
			encoded, err = json.Marshal(minimal)
			if err != nil {
				return serr
			}
			p.Result = minimal
		}
		fields["result"] = string(encoded)
	}
	if p.Details != nil {
		encoded, err := json.Marshal(p.Details)
		if err != nil {
			return fault.Wrap(fault.KindResultSerialize, err, "encode details for task %s", p.TaskID)
		}
		fields["details"] = string(encoded)
	}

	if err := t.store.HashSet(ctx, key, fields); err != nil {
		return err
	}
	if err := t.store.Expire(ctx, key, t.ttl); err != nil {
		return err
	}

	env := t.envelope(p, createdAt, now)
	if err := pubsub.Publish(ctx, t.store, t.channel, env); err != nil {
		return fmt.Errorf("publish task status: %w", err)
	}
	return nil
}

// envelope derives the cross-worker envelope for a status transition.
func (t *Tracker) envelope(p UpdateParams, createdAt, updatedAt string) pubsub.Envelope {
	var (
		eventType event.Type
		data      map[string]any
	)
	switch p.Status {
	case StatusCompleted:
		eventType = event.TypeRenderCompleted
		data = map[string]any{
			"task_id":         p.TaskID,
			"result":          p.Result,
			"processing_time": processingSeconds(createdAt, updatedAt),
			"message":         p.Message,
		}
	case StatusFailed:
		eventType = event.TypeRenderFailed
		details := p.Details
		if details == nil {
			details = map[string]any{}
		}
		data = map[string]any{
			"task_id": p.TaskID,
			"error":   p.Error,
			"details": details,
			"message": p.Message,
		}
	default:
		// pending, processing and cancelled all surface as progress.
		eventType = event.TypeRenderProgress
		data = map[string]any{
			"task_id":  p.TaskID,
			"progress": p.Progress,
			"status":   string(p.Status),
			"message":  p.Message,
		}
	}
	return pubsub.Envelope{
		EventType:    string(eventType),
		ConnectionID: p.ConnectionID,
		Data:         data,
	}
}

// Get reads a task hash and decodes its JSON-encoded fields. The boolean is
// false when the task does not exist or has expired.
func (t *Tracker) Get(ctx context.Context, taskID string) (map[string]any, bool, error) {
	fields, err := t.store.HashGetAll(ctx, Key(taskID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	state := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "progress":
			if n, err := strconv.Atoi(v); err == nil {
				state[k] = n
				continue
			}
			state[k] = v
		case "result", "details":
			var m map[string]any
			if err := json.Unmarshal([]byte(v), &m); err == nil {
				state[k] = m
				continue
			}
			state[k] = v
		default:
			state[k] = v
		}
	}
	return state, true, nil
}

// processingSeconds computes elapsed seconds between two RFC 3339 stamps.
func processingSeconds(createdAt, updatedAt string) float64 {
	c, err1 := time.Parse(time.RFC3339Nano, createdAt)
	u, err2 := time.Parse(time.RFC3339Nano, updatedAt)
	if err1 != nil || err2 != nil {
		return 0
	}
	return u.Sub(c).Seconds()
}
