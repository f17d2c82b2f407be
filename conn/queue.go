package conn

import (
	"context"
	"sync"
)

// enqueueResult reports what happened to a frame pushed onto a local queue.
type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	// enqueueSoft means the frame was accepted but the queue crossed the
	// soft cap; callers log a warning.
	enqueueSoft
	// enqueueOverflow means the queue crossed the hard cap; the oldest frame
	// was dropped to make room and the connection must be closed.
	enqueueOverflow
	// enqueueClosed means the queue has already received its sentinel.
	enqueueClosed
)

// queue is the in-process frame queue for one locally owned connection. A
// nil frame is the close sentinel. sendMu serializes the buffer-write plus
// local-enqueue sequence per connection, so the ring and the stream always
// agree on event order; the inner mu only guards the slice and is never held
// across I/O.
type queue struct {
	sendMu sync.Mutex

	mu      sync.Mutex
	frames  [][]byte
	notify  chan struct{}
	closed  bool
	softCap int
	hardCap int
}

func newQueue(softCap, hardCap int) *queue {
	return &queue{
		notify:  make(chan struct{}, 1),
		softCap: softCap,
		hardCap: hardCap,
	}
}

// push appends a frame, applying the soft/hard caps. The sentinel (nil)
// bypasses the caps.
func (q *queue) push(frame []byte) enqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return enqueueClosed
	}
	if frame == nil {
		q.closed = true
		q.frames = append(q.frames, nil)
		q.wake()
		return enqueueOK
	}
	res := enqueueOK
	if len(q.frames) >= q.hardCap {
		// Drop the oldest event to bound memory; the caller closes the
		// connection afterwards.
		q.frames = q.frames[1:]
		res = enqueueOverflow
	} else if len(q.frames) >= q.softCap {
		res = enqueueSoft
	}
	q.frames = append(q.frames, frame)
	q.wake()
	return res
}

// wake signals a waiting consumer without blocking.
func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the next frame, blocking until one is available or
// ctx is done. The second return is false once the sentinel is consumed or
// the context is cancelled.
func (q *queue) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			if frame == nil {
				return nil, false
			}
			return frame, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// depth returns the current number of queued frames.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
