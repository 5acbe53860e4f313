// Package cachekv is the Redis-backed key/value layer shared by the plugin
// lifecycle manager's storage API (spec §4.3 "storage"/"cache" host
// methods), the event processor's team-cache reads, and internal/lock's
// distributed lock substrate (spec §4.5).
package cachekv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a Redis client with JSON (de)serialization and a disabled
// fallback mode for tests that run without a broker.
type Store struct {
	client *redis.Client
}

// Config holds connection settings for the Redis-backed store.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// New creates a Store. When config.Enabled is false, the returned Store has
// no connection: Set, SetString, Delete and Expire are silently dropped,
// GetString and Exists report "not found", and Get, SetNX,
// CompareAndDelete, CompareAndExpire, TTL and Increment return a
// "cachekv: disabled" error. The pluginhost tests use this to run without a
// live Redis.
func New(config Config) (*Store, error) {
	if !config.Enabled {
		return &Store{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an already-constructed redis client, used by tests to
// point a Store at miniredis without going through the Ping-on-construct
// path in New.
func NewWithClient(client *redis.Client) (*Store, error) {
	return &Store{client: client}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// IsEnabled reports whether this store has a live connection.
func (s *Store) IsEnabled() bool {
	return s.client != nil
}

// Get retrieves a JSON value and unmarshals it into target.
func (s *Store) Get(ctx context.Context, key string, target interface{}) error {
	if !s.IsEnabled() {
		return fmt.Errorf("cachekv: disabled")
	}

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("cachekv: key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("cachekv: get %s: %w", key, err)
	}

	return json.Unmarshal([]byte(val), target)
}

// GetString retrieves a raw string value without JSON decoding, used by the
// plugin host's storage.get host call where the plugin owns the encoding.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	if !s.IsEnabled() {
		return "", false, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cachekv: get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a JSON-encoded value with the given TTL. A zero TTL means no
// expiration.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.IsEnabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cachekv: marshal: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cachekv: set %s: %w", key, err)
	}
	return nil
}

// SetString stores a raw string, for the plugin host's storage.set host call.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if !s.IsEnabled() {
		return nil
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cachekv: set %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if !s.IsEnabled() {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cachekv: delete: %w", err)
	}
	return nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if !s.IsEnabled() {
		return false, nil
	}
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cachekv: exists %s: %w", key, err)
	}
	return count > 0, nil
}

// SetNX sets key only if absent, returning whether it acquired. This is the
// primitive internal/lock builds the distributed lock on top of.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !s.IsEnabled() {
		return false, fmt.Errorf("cachekv: disabled")
	}
	set, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cachekv: setnx %s: %w", key, err)
	}
	return set, nil
}

// CompareAndDelete deletes key only if its current value equals expect, via
// a Lua script so check-then-delete is atomic. Used for lock release so a
// holder never deletes a lock another holder has since acquired.
func (s *Store) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	if !s.IsEnabled() {
		return false, fmt.Errorf("cachekv: disabled")
	}
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, s.client, []string{key}, expect).Int()
	if err != nil {
		return false, fmt.Errorf("cachekv: compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

// CompareAndExpire extends a key's TTL only if its current value equals
// expect, via a Lua script. Used by the scheduler to re-extend the lock it
// holds at L/2 (spec §4.5) without racing a concurrent steal.
func (s *Store) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	if !s.IsEnabled() {
		return false, fmt.Errorf("cachekv: disabled")
	}
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, s.client, []string{key}, expect, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cachekv: compare-and-expire %s: %w", key, err)
	}
	return res == 1, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !s.IsEnabled() {
		return nil
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cachekv: expire %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining TTL for a key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !s.IsEnabled() {
		return 0, fmt.Errorf("cachekv: disabled")
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cachekv: ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Increment atomically increments a counter. It is not exposed to plugins
// through the host API.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	if !s.IsEnabled() {
		return 0, fmt.Errorf("cachekv: disabled")
	}
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cachekv: incr %s: %w", key, err)
	}
	return val, nil
}
