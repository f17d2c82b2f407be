package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uiforge/renderbridge/fault"
)

// Redis implements Store on top of a go-redis client. The client maintains
// its own connection pool, so a StoreUnavailable failure on one call does
// not poison subsequent calls.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing Redis client. The caller owns the client's
// lifecycle unless Close is used.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, poolSize int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		PoolSize: poolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		closeErr := rdb.Close()
		return nil, errors.Join(fault.Wrap(fault.KindStoreUnavailable, err, "connect to redis at %s", addr), closeErr)
	}
	return &Redis{rdb: rdb}, nil
}

// wrap classifies a go-redis error as a StoreUnavailable fault. redis.Nil is
// not an error at this layer; callers see absence through boolean returns.
func wrap(err error, op string) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return fault.Wrap(fault.KindStoreUnavailable, err, "%s", op)
}

// HashSet sets fields on the hash at key.
func (s *Redis) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrap(s.rdb.HSet(ctx, key, args...).Err(), "hset "+key)
}

// HashGet returns the value of a single hash field.
func (s *Redis) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "hget "+key)
	}
	return v, true, nil
}

// HashGetAll returns every field of the hash at key.
func (s *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "hgetall "+key)
	}
	return v, nil
}

// HashKeys returns the field names of the hash at key.
func (s *Redis) HashKeys(ctx context.Context, key string) ([]string, error) {
	v, err := s.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "hkeys "+key)
	}
	return v, nil
}

// HashLen returns the number of fields in the hash at key.
func (s *Redis) HashLen(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "hlen "+key)
	}
	return v, nil
}

// HashExists reports whether the hash at key has the given field.
func (s *Redis) HashExists(ctx context.Context, key, field string) (bool, error) {
	v, err := s.rdb.HExists(ctx, key, field).Result()
	if err != nil {
		return false, wrap(err, "hexists "+key)
	}
	return v, nil
}

// HashDelete removes fields from the hash at key.
func (s *Redis) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap(s.rdb.HDel(ctx, key, fields...).Err(), "hdel "+key)
}

// ListPush prepends a value to the list at key.
func (s *Redis) ListPush(ctx context.Context, key, value string) error {
	return wrap(s.rdb.LPush(ctx, key, value).Err(), "lpush "+key)
}

// ListTrim trims the list at key to the index range [start, stop].
func (s *Redis) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(s.rdb.LTrim(ctx, key, start, stop).Err(), "ltrim "+key)
}

// ListRange returns the list elements in the index range [start, stop].
func (s *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err, "lrange "+key)
	}
	return v, nil
}

// Expire sets a TTL on key.
func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.rdb.Expire(ctx, key, ttl).Err(), "expire "+key)
}

// TTL returns the remaining TTL of key.
func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrap(err, "ttl "+key)
	}
	// go-redis returns -1 for no expiry and -2 for missing keys.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Delete removes keys.
func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.rdb.Del(ctx, keys...).Err(), "del")
}

// Publish sends a message on a pub/sub channel.
func (s *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrap(s.rdb.Publish(ctx, channel, payload).Err(), "publish "+channel)
}

// Subscribe opens a subscription on a pub/sub channel.
func (s *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so connection failures surface here
	// rather than as a silently empty message channel.
	if _, err := ps.Receive(ctx); err != nil {
		closeErr := ps.Close()
		return nil, errors.Join(wrap(err, "subscribe "+channel), closeErr)
	}
	sub := &redisSubscription{ps: ps, msgs: make(chan []byte, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	msgs chan []byte
}

// pump forwards pub/sub payloads until the subscription closes.
func (r *redisSubscription) pump() {
	defer close(r.msgs)
	for msg := range r.ps.Channel() {
		r.msgs <- []byte(msg.Payload)
	}
}

func (r *redisSubscription) Messages() <-chan []byte { return r.msgs }

func (r *redisSubscription) Close() error {
	if err := r.ps.Close(); err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	return nil
}

// ScanMatch iterates keys matching pattern with cursor-based SCAN.
func (s *Redis) ScanMatch(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return wrap(err, "scan "+pattern)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping verifies connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return wrap(s.rdb.Ping(ctx).Err(), "ping")
}

// Close releases the underlying connection pool.
func (s *Redis) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
