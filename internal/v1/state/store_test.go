package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore() *Store {
	return New("", "im")
}

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, "im"), mr
}

func TestMemoryBackend_SetGet(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	assert.False(t, s.RedisEnabled())

	s.SetValue(ctx, "k", "v", 0)
	assert.Equal(t, "v", s.GetValue(ctx, "k"))
	assert.Equal(t, "", s.GetValue(ctx, "missing"))
}

func TestMemoryBackend_TTLExpiry(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	s.SetValue(ctx, "k", "v", 10*time.Millisecond)
	assert.Equal(t, "v", s.GetValue(ctx, "k"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "", s.GetValue(ctx, "k"), "lazy purge on access")
}

func TestMemoryBackend_GetDel(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	s.SetValue(ctx, "token", "payload", 0)
	assert.Equal(t, "payload", s.GetDelValue(ctx, "token"))
	assert.Equal(t, "", s.GetDelValue(ctx, "token"), "second consume must miss")
}

func TestMemoryBackend_IncrDecr(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	assert.Equal(t, int64(1), s.Incr(ctx, "presence:1", 0))
	assert.Equal(t, int64(2), s.Incr(ctx, "presence:1", 0))
	assert.Equal(t, int64(1), s.Decr(ctx, "presence:1"))
	assert.Equal(t, int64(0), s.Decr(ctx, "presence:1"))
	assert.Equal(t, int64(0), s.Decr(ctx, "presence:1"), "floors at zero")
	assert.Equal(t, "", s.GetValue(ctx, "presence:1"), "deleted at zero")
}

func TestMemoryBackend_IncrTTLOnlyOnCreate(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	s.Incr(ctx, "quota", 30*time.Millisecond)
	s.Incr(ctx, "quota", time.Hour) // must not extend the window

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), s.Incr(ctx, "quota", 30*time.Millisecond), "window reset after expiry")
}

func TestRedisBackend_SetGetDelete(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	assert.True(t, s.RedisEnabled())

	s.SetValue(ctx, "k", "v", time.Minute)
	assert.Equal(t, "v", s.GetValue(ctx, "k"))

	// Keys are namespaced on the wire
	assert.True(t, mr.Exists("im:k"))

	s.Delete(ctx, "k")
	assert.Equal(t, "", s.GetValue(ctx, "k"))
}

func TestRedisBackend_GetDelSingleUse(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	s.SetValue(ctx, "token", "payload", time.Minute)
	assert.Equal(t, "payload", s.GetDelValue(ctx, "token"))
	assert.Equal(t, "", s.GetDelValue(ctx, "token"))
}

func TestRedisBackend_IncrDecr(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), s.Incr(ctx, "c", time.Minute))
	assert.Equal(t, int64(2), s.Incr(ctx, "c", time.Minute))

	ttl := mr.TTL("im:c")
	assert.Greater(t, ttl, time.Duration(0), "TTL applied on create")

	assert.Equal(t, int64(1), s.Decr(ctx, "c"))
	assert.Equal(t, int64(0), s.Decr(ctx, "c"))
	assert.False(t, mr.Exists("im:c"), "deleted when reaching zero")
}

func TestRedisBackend_TTLExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.SetValue(ctx, "k", "v", time.Second)
	mr.FastForward(2 * time.Second)
	assert.Equal(t, "", s.GetValue(ctx, "k"))
}

func TestDegradation_FallsBackToMemoryPermanently(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.SetValue(ctx, "before", "1", 0)
	require.True(t, s.RedisEnabled())

	// Kill redis mid-flight; the next operation must degrade silently.
	mr.Close()

	s.SetValue(ctx, "after", "2", 0)
	assert.False(t, s.RedisEnabled(), "degradation is permanent")
	assert.Equal(t, "2", s.GetValue(ctx, "after"), "writes continue against memory")

	// Even if redis came back, the store stays on memory.
	s.SetValue(ctx, "later", "3", 0)
	assert.Equal(t, "3", s.GetValue(ctx, "later"))
}

func TestUnreachableRedisURL_StartsDegraded(t *testing.T) {
	s := New("redis://127.0.0.1:1/0", "im")
	ctx := context.Background()

	assert.False(t, s.RedisEnabled())
	s.SetValue(ctx, "k", "v", 0)
	assert.Equal(t, "v", s.GetValue(ctx, "k"))
}

func TestJSONHelpers(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	type tokenData struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
	}

	require.NoError(t, s.SetJSON(ctx, "t", tokenData{UserID: 7, Name: "a.png"}, time.Minute))

	var out tokenData
	require.True(t, s.GetJSON(ctx, "t", &out))
	assert.Equal(t, int64(7), out.UserID)
	assert.Equal(t, "a.png", out.Name)

	var consumed tokenData
	require.True(t, s.GetDelJSON(ctx, "t", &consumed))
	assert.False(t, s.GetJSON(ctx, "t", &out), "consumed")
}

func TestJSONHelpers_MalformedPayload(t *testing.T) {
	s := newMemoryStore()
	ctx := context.Background()

	s.SetValue(ctx, "bad", "{not json", 0)

	var out map[string]any
	assert.False(t, s.GetJSON(ctx, "bad", &out))
}
