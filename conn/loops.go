package conn

import (
	"context"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/event"
)

// RunHeartbeat periodically sends connection.heartbeat to every locally
// owned connection until ctx is done. Heartbeats carry the connection age
// and a retry hint so clients know the reconnect back-off. Failures are
// logged and the loop continues.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatSweep(ctx)
		}
	}
}

// heartbeatSweep sends one heartbeat to each owned connection. The sweep
// works on snapshots; record updates go through mutate so they never race
// with the stream and send paths.
func (m *Manager) heartbeatSweep(ctx context.Context) {
	m.mu.Lock()
	owned := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		owned = append(owned, *c)
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	for _, c := range owned {
		hb := event.New(event.TypeConnectionHeartbeat, c.ID, map[string]any{
			"connection_id":          c.ID,
			"connection_age_seconds": int(now.Sub(c.ConnectedAt).Seconds()),
		}, event.WithRetry(HeartbeatRetryMS))
		if !m.Send(ctx, c.ID, hb) {
			continue
		}
		snap, ok := m.mutate(c.ID, func(c *Connection) { c.LastHeartbeat = now })
		if !ok {
			continue
		}
		if err := m.persist(ctx, &snap); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "persist heartbeat"}, log.KV{K: "connection_id", V: c.ID})
		}
	}
}

// RunCleanup periodically evicts idle connections and deletes orphaned event
// buffers until ctx is done. Buffer discovery uses cursor-based scanning
// only. Failures are logged and the loop continues.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupSweep(ctx)
		}
	}
}

// cleanupSweep runs one eviction pass.
func (m *Manager) cleanupSweep(ctx context.Context) {
	records, err := m.store.HashGetAll(ctx, KeyConnections)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: list connections"})
		return
	}
	now := time.Now().UTC()
	for id, raw := range records {
		c, err := decodeConnection(raw)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: decode record"}, log.KV{K: "connection_id", V: id})
			continue
		}
		if now.Sub(c.LastActivity) > m.connectionTimeout {
			if err := m.Close(ctx, id, ReasonTimeout); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: close idle connection"}, log.KV{K: "connection_id", V: id})
			}
		}
	}

	if err := m.store.ScanMatch(ctx, bufferKeyPrefix+"*", 100, func(keys []string) error {
		for _, key := range keys {
			m.collectOrphanBuffer(ctx, key, now)
		}
		return nil
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: scan buffers"})
	}
}

// collectOrphanBuffer deletes a ring buffer whose connection is gone and
// whose newest event is older than the buffer TTL.
func (m *Manager) collectOrphanBuffer(ctx context.Context, key string, now time.Time) {
	id := strings.TrimPrefix(key, bufferKeyPrefix)
	exists, err := m.store.HashExists(ctx, KeyConnections, id)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: check buffer owner"}, log.KV{K: "key", V: key})
		return
	}
	if exists {
		return
	}
	newest, err := m.store.ListRange(ctx, key, 0, 0)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: read buffer head"}, log.KV{K: "key", V: key})
		return
	}
	expired := len(newest) == 0
	if !expired {
		var e event.Event
		if err := unmarshalEvent(newest[0], &e); err != nil || now.Sub(e.Timestamp) > m.bufferTTL {
			expired = true
		}
	}
	if !expired {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cleanup: delete orphan buffer"}, log.KV{K: "key", V: key})
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "deleted orphan event buffer"}, log.KV{K: "key", V: key})
}
