package conn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/store"
)

// HeartbeatRetryMS is the reconnect back-off hint carried on heartbeat
// frames, in milliseconds.
const HeartbeatRetryMS = 30000

type (
	// Manager owns the SSE connections terminated by this worker. It keeps
	// the authoritative connection table in the shared store, a local frame
	// queue per owned connection, and runs the heartbeat and cleanup sweeps.
	Manager struct {
		store   store.Store
		worker  string
		bufSize int

		heartbeatInterval time.Duration
		connectionTimeout time.Duration
		cleanupInterval   time.Duration
		bufferTTL         time.Duration

		// mu guards the local connection cache, the mutable fields of the
		// cached records and the queue map. It is never held across store
		// I/O; persistence works on snapshots taken under the lock.
		mu     sync.Mutex
		conns  map[string]*Connection
		queues map[string]*queue
	}

	// Options configures a Manager.
	Options struct {
		// Store is the shared store client. Required.
		Store store.Store
		// Worker identifies this process in connection records. Required.
		Worker string
		// BufferSize is the ring buffer length N. Defaults to 100.
		BufferSize int
		// HeartbeatInterval is the heartbeat period. Defaults to 30s.
		HeartbeatInterval time.Duration
		// ConnectionTimeout is the idle eviction threshold. Defaults to 300s.
		ConnectionTimeout time.Duration
		// CleanupInterval is the sweep period. Defaults to 60s.
		CleanupInterval time.Duration
		// BufferTTL bounds the lifetime of orphaned event buffers.
		// Defaults to 1h.
		BufferTTL time.Duration
	}

	// OpenRequest carries the request context of a new SSE connection.
	OpenRequest struct {
		// ClientAddr is the remote address.
		ClientAddr string
		// UserAgent is the client's User-Agent header.
		UserAgent string
		// CredentialHash is the hashed API credential.
		CredentialHash string
		// ClientID is the optional stable client identifier. When a prior
		// connection maps to the same id it is closed with reason
		// "reconnected" before the mapping is updated.
		ClientID string
		// LastEventID is the optional Last-Event-ID header value; buffered
		// events after it are replayed onto the new connection.
		LastEventID string
	}
)

// NewManager constructs a connection manager. Background sweeps are not
// started; run them with RunHeartbeat and RunCleanup.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errRequired("store")
	}
	if opts.Worker == "" {
		return nil, errRequired("worker")
	}
	m := &Manager{
		store:             opts.Store,
		worker:            opts.Worker,
		bufSize:           opts.BufferSize,
		heartbeatInterval: opts.HeartbeatInterval,
		connectionTimeout: opts.ConnectionTimeout,
		cleanupInterval:   opts.CleanupInterval,
		bufferTTL:         opts.BufferTTL,
		conns:             make(map[string]*Connection),
		queues:            make(map[string]*queue),
	}
	if m.bufSize <= 0 {
		m.bufSize = 100
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = 30 * time.Second
	}
	if m.connectionTimeout <= 0 {
		m.connectionTimeout = 300 * time.Second
	}
	if m.cleanupInterval <= 0 {
		m.cleanupInterval = 60 * time.Second
	}
	if m.bufferTTL <= 0 {
		m.bufferTTL = time.Hour
	}
	return m, nil
}

// Open creates a connection record, registers the local queue, emits
// connection.opened and replays buffered events when the client supplied a
// Last-Event-ID. It returns the new connection id.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	c := &Connection{
		ID:             id,
		ClientAddr:     req.ClientAddr,
		UserAgent:      req.UserAgent,
		CredentialHash: req.CredentialHash,
		Status:         StatusConnecting,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		LastActivity:   now,
		Worker:         m.worker,
		ClientID:       req.ClientID,
		LastEventID:    req.LastEventID,
	}

	// Client-id takeover: at most one live connection per stable client id.
	var prior string
	if req.ClientID != "" {
		p, ok, err := m.store.HashGet(ctx, KeyClientMap, req.ClientID)
		if err != nil {
			return "", err
		}
		if ok && p != "" {
			prior = p
			if err := m.Close(ctx, prior, ReasonReconnected); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "close prior connection"}, log.KV{K: "connection_id", V: prior})
			}
		}
	}

	record, err := c.encode()
	if err != nil {
		return "", err
	}
	if err := m.store.HashSet(ctx, KeyConnections, map[string]string{id: record}); err != nil {
		return "", err
	}
	if req.ClientID != "" {
		if err := m.store.HashSet(ctx, KeyClientMap, map[string]string{req.ClientID: id}); err != nil {
			return "", err
		}
	}

	// The send lock is taken before the queue is published and held through
	// replay, so frames from concurrent senders can neither precede the
	// opened event nor interleave with replayed history.
	q := newQueue(m.bufSize, 4*m.bufSize)
	q.sendMu.Lock()
	m.mu.Lock()
	m.conns[id] = c
	m.queues[id] = q
	m.mu.Unlock()

	opened := event.New(event.TypeConnectionOpened, id, map[string]any{
		"connection_id": id,
		"client_id":     req.ClientID,
		"worker":        m.worker,
	})
	m.send(ctx, id, q, opened)
	if req.LastEventID != "" && prior != "" {
		m.replay(ctx, q, prior, req.LastEventID)
	}
	q.sendMu.Unlock()

	if snap, ok := m.mutate(id, func(c *Connection) { c.Status = StatusConnected }); ok {
		if err := m.persist(ctx, &snap); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "persist connected status"}, log.KV{K: "connection_id", V: id})
		}
	}
	return id, nil
}

// replay pushes buffered events newer than lastEventID from the prior
// connection's ring onto the new local queue, oldest first. When the last
// event id has already aged out of the ring the whole ring is replayed after
// a gap warning: every surviving event is then known to be newer.
func (m *Manager) replay(ctx context.Context, q *queue, priorID, lastEventID string) {
	records, err := m.store.ListRange(ctx, BufferKey(priorID), 0, -1)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "read replay buffer"}, log.KV{K: "connection_id", V: priorID})
		return
	}
	// The ring is LPUSHed, so index 0 is the newest record. Events newer
	// than lastEventID occupy indices below its position.
	cut := -1
	events := make([]event.Event, 0, len(records))
	for i, raw := range records {
		var e event.Event
		if err := unmarshalEvent(raw, &e); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "decode buffered event"})
			continue
		}
		if e.ID == lastEventID {
			cut = i
			break
		}
		events = append(events, e)
	}
	if cut == -1 {
		warn := event.New(event.TypeConnectionError, priorID, map[string]any{
			"code":    "REPLAY_GAP",
			"message": "last event id is older than the oldest buffered event; replaying full buffer",
		})
		m.pushLocal(ctx, q, warn)
	}
	for i := len(events) - 1; i >= 0; i-- {
		m.pushLocal(ctx, q, events[i])
	}
}

// pushLocal formats and enqueues a frame without touching the shared ring.
func (m *Manager) pushLocal(ctx context.Context, q *queue, e event.Event) {
	frame, err := e.Wire()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "format replay frame"})
		return
	}
	q.push(frame)
}

// Send appends the event to the shared ring buffer and, when the connection
// is owned by this worker, pushes the formatted frame onto its local queue.
// It returns false when the connection does not exist or the buffer write
// fails. Per-connection sends are serialized so the ring and the queue see
// the same order.
func (m *Manager) Send(ctx context.Context, id string, e event.Event) bool {
	m.mu.Lock()
	q := m.queues[id]
	m.mu.Unlock()

	if q != nil {
		q.sendMu.Lock()
		defer q.sendMu.Unlock()
	}
	return m.send(ctx, id, q, e)
}

// send writes the ring and enqueues the local frame. Callers passing a
// non-nil queue must hold its send lock.
func (m *Manager) send(ctx context.Context, id string, q *queue, e event.Event) bool {
	exists, err := m.store.HashExists(ctx, KeyConnections, id)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "check connection"}, log.KV{K: "connection_id", V: id})
		return false
	}
	if !exists {
		return false
	}

	record, err := marshalEvent(e)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode event"}, log.KV{K: "event_id", V: e.ID})
		return false
	}
	key := BufferKey(id)
	if err := m.store.ListPush(ctx, key, record); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "buffer write"}, log.KV{K: "connection_id", V: id})
		return false
	}
	if err := m.store.ListTrim(ctx, key, 0, int64(m.bufSize-1)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "buffer trim"}, log.KV{K: "connection_id", V: id})
	}
	if err := m.store.Expire(ctx, key, m.bufferTTL); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "buffer ttl"}, log.KV{K: "connection_id", V: id})
	}

	if q == nil {
		// Not owned here; the ring write is this worker's whole job.
		return true
	}

	frame, err := e.Wire()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "format frame"}, log.KV{K: "event_id", V: e.ID})
		return false
	}
	switch q.push(frame) {
	case enqueueClosed:
		return false
	case enqueueSoft:
		log.Warn(ctx, log.KV{K: "msg", V: "connection queue above soft cap"},
			log.KV{K: "connection_id", V: id}, log.KV{K: "depth", V: q.depth()})
	case enqueueOverflow:
		log.Error(ctx, nil, log.KV{K: "msg", V: "connection queue overflow, closing"},
			log.KV{K: "connection_id", V: id})
		if snap, ok := m.mutate(id, func(c *Connection) { c.Status = StatusError }); ok {
			if err := m.persist(ctx, &snap); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "persist error status"})
			}
		}
		// Close outside the send lock to avoid re-entering it when the
		// connection.closed event is emitted.
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.Close(cctx, id, ReasonBackpressure); err != nil {
				log.Error(cctx, err, log.KV{K: "msg", V: "backpressure close"})
			}
		}()
	}
	return true
}

// Deliver pushes a frame for the event onto the connection's local queue
// without touching the shared ring buffer. It is the delivery path for
// events arriving over the cross-worker channel, whose publisher has already
// written the ring. Returns false when the connection is not owned here.
func (m *Manager) Deliver(ctx context.Context, id string, e event.Event) bool {
	m.mu.Lock()
	q := m.queues[id]
	m.mu.Unlock()
	if q == nil {
		return false
	}
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	frame, err := e.Wire()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "format delivered frame"}, log.KV{K: "event_id", V: e.ID})
		return false
	}
	switch q.push(frame) {
	case enqueueClosed:
		return false
	case enqueueSoft:
		log.Warn(ctx, log.KV{K: "msg", V: "connection queue above soft cap"},
			log.KV{K: "connection_id", V: id}, log.KV{K: "depth", V: q.depth()})
	case enqueueOverflow:
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.Close(cctx, id, ReasonBackpressure); err != nil {
				log.Error(cctx, err, log.KV{K: "msg", V: "backpressure close"})
			}
		}()
	}
	return true
}

// OwnedIDs returns the ids of the connections owned by this worker.
func (m *Manager) OwnedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends an event of the given type and payload to every connection
// in the shared table and returns the number of successful sends.
func (m *Manager) Broadcast(ctx context.Context, t event.Type, payload map[string]any) int {
	records, err := m.store.HashGetAll(ctx, KeyConnections)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "broadcast: list connections"})
		return 0
	}
	count := 0
	for id := range records {
		if m.Send(ctx, id, event.New(t, id, payload)) {
			count++
		}
	}
	return count
}

// Stream returns a channel of SSE frames for the connection. The channel is
// closed when the connection closes or ctx is cancelled; on cancellation the
// connection is closed with reason "stream_ended". A connection not owned by
// this worker yields nothing.
func (m *Manager) Stream(ctx context.Context, id string) <-chan []byte {
	out := make(chan []byte)
	m.mu.Lock()
	q := m.queues[id]
	m.mu.Unlock()
	if q == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for {
			frame, ok := q.pop(ctx)
			if !ok {
				if ctx.Err() != nil {
					m.closeCancelled(ctx, id)
				}
				return
			}
			select {
			case out <- frame:
				m.touch(ctx, id)
			case <-ctx.Done():
				m.closeCancelled(ctx, id)
				return
			}
		}
	}()
	return out
}

// closeCancelled closes a connection whose consumer went away, using a fresh
// context since the stream's own context is already done.
func (m *Manager) closeCancelled(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.Close(cctx, id, ReasonStreamEnded); err != nil {
		log.Error(cctx, err, log.KV{K: "msg", V: "close on stream end"}, log.KV{K: "connection_id", V: id})
	}
}

// touch advances last_activity, keeping it monotonic.
func (m *Manager) touch(ctx context.Context, id string) {
	now := time.Now().UTC()
	advanced := false
	snap, ok := m.mutate(id, func(c *Connection) {
		if now.Before(c.LastActivity) {
			return
		}
		c.LastActivity = now
		advanced = true
	})
	if !ok || !advanced {
		return
	}
	if err := m.persist(ctx, &snap); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist activity"}, log.KV{K: "connection_id", V: id})
	}
}

// mutate applies fn to the cached connection under the manager lock and
// returns a snapshot for persistence. ok is false when the connection is not
// cached locally.
func (m *Manager) mutate(id string, fn func(*Connection)) (snap Connection, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	if c == nil {
		return Connection{}, false
	}
	fn(c)
	return *c, true
}

// persist writes the connection record to the shared table.
func (m *Manager) persist(ctx context.Context, c *Connection) error {
	record, err := c.encode()
	if err != nil {
		return err
	}
	return m.store.HashSet(ctx, KeyConnections, map[string]string{c.ID: record})
}

// Close emits connection.closed, removes the client-id mapping when it still
// points at this connection, pushes the close sentinel and deletes the
// connection record. The ring buffer is retained for reconnect replay and
// garbage-collected by the cleanup sweep. Closing an already-closed
// connection is a no-op.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	raw, ok, err := m.store.HashGet(ctx, KeyConnections, id)
	if err != nil {
		return err
	}
	if !ok {
		m.dropLocal(id)
		return nil
	}
	c, err := decodeConnection(raw)
	if err != nil {
		// Unreadable record: still tear everything down.
		log.Error(ctx, err, log.KV{K: "msg", V: "decode connection on close"}, log.KV{K: "connection_id", V: id})
		c = &Connection{ID: id}
	}

	closed := event.New(event.TypeConnectionClosed, id, map[string]any{
		"connection_id": id,
		"reason":        reason,
	})
	m.Send(ctx, id, closed)

	if c.ClientID != "" {
		mapped, ok, err := m.store.HashGet(ctx, KeyClientMap, c.ClientID)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "read client map on close"})
		} else if ok && mapped == id {
			if err := m.store.HashDelete(ctx, KeyClientMap, c.ClientID); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "delete client mapping"})
			}
		}
	}

	m.mu.Lock()
	q := m.queues[id]
	m.mu.Unlock()
	if q != nil {
		q.push(nil)
	}
	m.dropLocal(id)

	if err := m.store.HashDelete(ctx, KeyConnections, id); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "connection closed"},
		log.KV{K: "connection_id", V: id}, log.KV{K: "reason", V: reason})
	return nil
}

// dropLocal removes the local queue and cache entries.
func (m *Manager) dropLocal(id string) {
	m.mu.Lock()
	delete(m.queues, id)
	delete(m.conns, id)
	m.mu.Unlock()
}

// Get returns the connection record from the shared table, or nil when it
// does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*Connection, error) {
	raw, ok, err := m.store.HashGet(ctx, KeyConnections, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decodeConnection(raw)
}

// Count returns the number of connections in the shared table.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.store.HashLen(ctx, KeyConnections)
}

// Owned reports whether this worker owns the connection's local queue.
func (m *Manager) Owned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[id] != nil
}

// Worker returns this worker's identifier as recorded on its connections.
func (m *Manager) Worker() string { return m.worker }
