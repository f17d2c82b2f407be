// Package conn implements the SSE connection manager: connection lifecycle,
// per-connection frame queues, heartbeats, stale-entry cleanup and replay of
// buffered events on reconnect.
//
// Ownership model: the manager on worker W owns the local frame queue for
// every connection whose record carries owning_worker == W. The shared store
// owns the authoritative connection table, the client-id map and the
// per-connection ring buffers, so any worker can observe any connection but
// only the owner terminates its stream.
package conn

import (
	"encoding/json"
	"fmt"
	"time"
)

// Shared store keys. These are part of the external contract: background
// workers and operators rely on this exact layout.
const (
	// KeyConnections is the hash of connection_id to JSON connection record.
	KeyConnections = "sse:connections"
	// KeyClientMap is the hash of stable client_id to connection_id.
	KeyClientMap = "sse:client_map"
	// bufferKeyPrefix prefixes per-connection event ring buffer list keys.
	bufferKeyPrefix = "sse:buffers:"
)

// BufferKey returns the ring buffer list key for a connection.
func BufferKey(connectionID string) string {
	return bufferKeyPrefix + connectionID
}

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Close reasons used by the manager itself.
const (
	// ReasonReconnected closes a prior connection superseded by a new
	// connection bearing the same stable client id.
	ReasonReconnected = "reconnected"
	// ReasonTimeout closes a connection evicted by the cleanup sweep.
	ReasonTimeout = "timeout"
	// ReasonStreamEnded closes a connection whose HTTP stream was cancelled
	// by the client.
	ReasonStreamEnded = "stream_ended"
	// ReasonBackpressure closes a connection whose local queue overflowed
	// the hard cap.
	ReasonBackpressure = "CONNECTION_BACKPRESSURE"
)

// Connection is the server-side record of one live SSE stream. The record is
// stored as JSON in the shared connection table; optional fields are omitted
// rather than serialized as nulls.
type Connection struct {
	// ID is the server-generated opaque connection identifier.
	ID string `json:"connection_id"`
	// ClientAddr is the remote address of the stream.
	ClientAddr string `json:"client_addr,omitempty"`
	// UserAgent is the client's User-Agent header.
	UserAgent string `json:"user_agent,omitempty"`
	// CredentialHash is the hashed API credential used on connect.
	CredentialHash string `json:"credential_hash,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// ConnectedAt is the connect timestamp.
	ConnectedAt time.Time `json:"connected_at"`
	// LastHeartbeat is the time of the last delivered heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// LastActivity is the last queue activity; monotonic per connection.
	LastActivity time.Time `json:"last_activity"`
	// Worker identifies the process terminating the stream.
	Worker string `json:"owning_worker"`
	// ClientID is the optional stable client identifier for reconnection.
	ClientID string `json:"client_id,omitempty"`
	// LastEventID is the last event id the client reported on reconnect.
	LastEventID string `json:"last_event_id,omitempty"`
}

// encode serializes the record for the shared connection table.
func (c *Connection) encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode connection %s: %w", c.ID, err)
	}
	return string(b), nil
}

// decodeConnection parses a shared-table record.
func decodeConnection(raw string) (*Connection, error) {
	var c Connection
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode connection record: %w", err)
	}
	return &c, nil
}
