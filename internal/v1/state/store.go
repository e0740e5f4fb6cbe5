// Package state implements the ephemeral key/value store used for upload
// tokens, presence counters, send quotas, and short-lived OIDC state. It runs
// on redis when configured and reachable, and otherwise on an in-process map.
// Any redis failure at runtime degrades the store to memory for the rest of
// the process lifetime; callers never see the difference.
package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
)

// Store is the shared ephemeral state store. The zero value is not usable;
// construct with New.
type Store struct {
	mu        sync.RWMutex
	rdb       *redis.Client
	degraded  bool
	namespace string
	mem       *memoryBackend
}

// New builds a Store. An empty redisURL selects the in-memory backend. A
// configured but unreachable redis also starts in memory, with the
// degradation logged once.
func New(redisURL, namespace string) *Store {
	if namespace == "" {
		namespace = "im"
	}
	s := &Store{
		namespace: namespace,
		mem:       newMemoryBackend(),
	}

	if redisURL == "" {
		logging.Info(context.Background(), "StateStore using in-memory backend")
		return s
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logging.Warn(context.Background(), "StateStore redis URL invalid, falling back to memory", zap.Error(err))
		s.degraded = true
		metrics.StateStoreDegradations.Inc()
		return s
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Warn(context.Background(), "StateStore redis unavailable, falling back to memory", zap.Error(err))
		_ = client.Close()
		s.degraded = true
		metrics.StateStoreDegradations.Inc()
		return s
	}

	s.rdb = client
	logging.Info(context.Background(), "StateStore using redis backend")
	return s
}

// NewWithClient wires an existing redis client in. Used by tests with
// miniredis and by callers that share a connection pool.
func NewWithClient(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "im"
	}
	return &Store{
		namespace: namespace,
		mem:       newMemoryBackend(),
		rdb:       client,
	}
}

// RedisEnabled reports whether the redis backend is currently active.
func (s *Store) RedisEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rdb != nil
}

// Close releases the redis connection if one is held.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Close()
	s.rdb = nil
	return err
}

func (s *Store) key(key string) string {
	return s.namespace + ":" + key
}

func (s *Store) client() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rdb
}

// degrade switches to the memory backend permanently. The first failure logs;
// later calls are no-ops.
func (s *Store) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb != nil {
		logging.Warn(context.Background(), "StateStore redis operation failed, degrading to memory backend", zap.Error(err))
		_ = s.rdb.Close()
		s.rdb = nil
		metrics.StateStoreDegradations.Inc()
	}
	s.degraded = true
}

// SetValue stores a string value with an optional TTL (ttl <= 0 means none).
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		var err error
		if ttl > 0 {
			err = rdb.SetEx(ctx, storeKey, value, ttl).Err()
		} else {
			err = rdb.Set(ctx, storeKey, value, 0).Err()
		}
		if err == nil {
			return
		}
		s.degrade(err)
	}
	s.mem.set(storeKey, value, ttl)
}

// GetValue returns the stored value, or "" when absent or expired.
func (s *Store) GetValue(ctx context.Context, key string) string {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		val, err := rdb.Get(ctx, storeKey).Result()
		if err == nil {
			return val
		}
		if err == redis.Nil {
			return ""
		}
		s.degrade(err)
	}
	val, _ := s.mem.get(storeKey)
	return val
}

// GetDelValue atomically reads and removes a value. Single-use token
// consumption depends on this being atomic per key.
func (s *Store) GetDelValue(ctx context.Context, key string) string {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		val, err := rdb.GetDel(ctx, storeKey).Result()
		if err == nil {
			return val
		}
		if err == redis.Nil {
			return ""
		}
		// Older servers lack GETDEL; fall back to GET+DEL before degrading.
		val, getErr := rdb.Get(ctx, storeKey).Result()
		if getErr == nil {
			_ = rdb.Del(ctx, storeKey).Err()
			return val
		}
		if getErr == redis.Nil {
			return ""
		}
		s.degrade(getErr)
	}
	val, _ := s.mem.getDel(storeKey)
	return val
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		err := rdb.Del(ctx, storeKey).Err()
		if err == nil {
			return
		}
		s.degrade(err)
	}
	s.mem.delete(storeKey)
}

// Incr increments a counter, applying ttlOnCreate only when the counter is
// created by this call. Returns the new value.
func (s *Store) Incr(ctx context.Context, key string, ttlOnCreate time.Duration) int64 {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		value, err := rdb.Incr(ctx, storeKey).Result()
		if err == nil {
			if ttlOnCreate > 0 && value == 1 {
				_ = rdb.Expire(ctx, storeKey, ttlOnCreate).Err()
			}
			return value
		}
		s.degrade(err)
	}
	return s.mem.incr(storeKey, ttlOnCreate)
}

// Decr decrements a counter, flooring at zero and deleting the key when it
// reaches zero. Returns the new value.
func (s *Store) Decr(ctx context.Context, key string) int64 {
	storeKey := s.key(key)
	if rdb := s.client(); rdb != nil {
		value, err := rdb.Decr(ctx, storeKey).Result()
		if err == nil {
			if value <= 0 {
				_ = rdb.Del(ctx, storeKey).Err()
				return 0
			}
			return value
		}
		s.degrade(err)
	}
	return s.mem.decr(storeKey)
}

// SetJSON marshals value and stores it under key.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.SetValue(ctx, key, string(payload), ttl)
	return nil
}

// GetJSON unmarshals the stored value into out. Returns false when the key is
// absent or the payload does not parse.
func (s *Store) GetJSON(ctx context.Context, key string, out any) bool {
	payload := s.GetValue(ctx, key)
	if payload == "" {
		return false
	}
	return json.Unmarshal([]byte(payload), out) == nil
}

// GetDelJSON atomically consumes the stored value into out.
func (s *Store) GetDelJSON(ctx context.Context, key string, out any) bool {
	payload := s.GetDelValue(ctx, key)
	if payload == "" {
		return false
	}
	return json.Unmarshal([]byte(payload), out) == nil
}
