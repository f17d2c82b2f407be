// Package store adapts the shared key-value store to the narrow capability
// set the bridge core depends on: hashes, lists, key TTL, pub/sub and
// cursor-based scanning. The production implementation is Redis; tests use
// the same implementation against an in-memory server.
package store

import (
	"context"
	"time"
)

type (
	// Store is the shared-store capability surface. All cross-worker shared
	// mutable state flows through this interface: the connection table, the
	// client-id map, the per-connection ring buffers, the task table and the
	// cross-worker event channel.
	//
	// Implementations surface connectivity failures as StoreUnavailable
	// faults. Callers treat those as fatal to the operation in progress but
	// never to the process; the next call reacquires a connection.
	Store interface {
		// HashSet sets fields on the hash at key.
		HashSet(ctx context.Context, key string, fields map[string]string) error
		// HashGet returns the value of a single hash field. The boolean is
		// false when the field does not exist.
		HashGet(ctx context.Context, key, field string) (string, bool, error)
		// HashGetAll returns every field of the hash at key.
		HashGetAll(ctx context.Context, key string) (map[string]string, error)
		// HashKeys returns the field names of the hash at key.
		HashKeys(ctx context.Context, key string) ([]string, error)
		// HashLen returns the number of fields in the hash at key.
		HashLen(ctx context.Context, key string) (int64, error)
		// HashExists reports whether the hash at key has the given field.
		HashExists(ctx context.Context, key, field string) (bool, error)
		// HashDelete removes fields from the hash at key.
		HashDelete(ctx context.Context, key string, fields ...string) error

		// ListPush prepends a value to the list at key.
		ListPush(ctx context.Context, key, value string) error
		// ListTrim trims the list at key to the index range [start, stop].
		ListTrim(ctx context.Context, key string, start, stop int64) error
		// ListRange returns the list elements in the index range [start, stop].
		ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

		// Expire sets a TTL on key.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// TTL returns the remaining TTL of key. The boolean is false when the
		// key has no expiry or does not exist.
		TTL(ctx context.Context, key string) (time.Duration, bool, error)
		// Delete removes keys.
		Delete(ctx context.Context, keys ...string) error

		// Publish sends a message on a pub/sub channel.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe opens a subscription on a pub/sub channel. The returned
		// subscription delivers raw message payloads until closed.
		Subscribe(ctx context.Context, channel string) (Subscription, error)

		// ScanMatch iterates keys matching pattern using cursor-based
		// scanning, invoking fn for each batch. Full keyspace enumeration is
		// never performed.
		ScanMatch(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
		// Close releases the underlying connection pool.
		Close() error
	}

	// Subscription is an open pub/sub subscription.
	Subscription interface {
		// Messages returns the channel on which payloads are delivered. The
		// channel is closed when the subscription is closed or the underlying
		// connection is lost.
		Messages() <-chan []byte
		// Close terminates the subscription.
		Close() error
	}
)
