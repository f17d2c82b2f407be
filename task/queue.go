package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/uiforge/renderbridge/render"
)

// TypeRender is the asynq task type for background renders.
const TypeRender = "render:execute"

// DefaultQueueName is the asynq queue renders are enqueued on.
const DefaultQueueName = "renders"

type (
	// RenderJob is the payload of a background render task.
	RenderJob struct {
		TaskID       string         `json:"task_id"`
		ConnectionID string         `json:"connection_id,omitempty"`
		DSLContent   string         `json:"dsl_content"`
		Options      render.Options `json:"options"`
	}

	// Submitter enqueues and revokes background render tasks. The tool
	// bridge depends on this interface; Queue is the asynq implementation.
	Submitter interface {
		Submit(ctx context.Context, job RenderJob) (string, error)
		Revoke(ctx context.Context, taskID string) bool
	}

	// Queue is the asynq-backed task queue adapter.
	Queue struct {
		client    *asynq.Client
		inspector *asynq.Inspector
		queue     string
	}
)

// NewQueue constructs a Queue over the given Redis connection options.
func NewQueue(opt asynq.RedisClientOpt, queueName string) *Queue {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queueName,
	}
}

// Submit enqueues a render job and returns its task id. The asynq task id
// matches the tracker task id so Revoke and the status tool share one
// identifier space.
func (q *Queue) Submit(ctx context.Context, job RenderJob) (string, error) {
	if job.TaskID == "" {
		job.TaskID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode render job: %w", err)
	}
	t := asynq.NewTask(TypeRender, payload)
	if _, err := q.client.EnqueueContext(ctx, t,
		asynq.TaskID(job.TaskID),
		asynq.Queue(q.queue),
		asynq.MaxRetry(2),
		asynq.Timeout(10*time.Minute),
		asynq.Retention(time.Hour),
	); err != nil {
		return "", fmt.Errorf("enqueue render job: %w", err)
	}
	return job.TaskID, nil
}

// Revoke removes a pending task or cancels one already processing. It
// reports whether the queue accepted the revocation.
func (q *Queue) Revoke(ctx context.Context, taskID string) bool {
	if err := q.inspector.DeleteTask(q.queue, taskID); err == nil {
		return true
	} else if errors.Is(err, asynq.ErrTaskNotFound) {
		return false
	}
	// The task may be running; ask the worker to stop it.
	return q.inspector.CancelProcessing(taskID) == nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	return q.client.Close()
}
