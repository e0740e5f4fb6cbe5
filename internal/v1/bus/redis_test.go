package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, _ := newTestService(t)

	assert.NotNil(t, svc.Client())
	assert.NotEmpty(t, svc.InstanceID())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_Unreachable(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublish_Envelope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(ctx, 42, "new_message", map[string]string{"content": "hi"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, int64(42), env.RoomID)
	assert.Zero(t, env.UserID)
	assert.Equal(t, "new_message", env.Event)
	assert.Equal(t, svc.InstanceID(), env.Instance)

	var inner map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &inner))
	assert.Equal(t, "hi", inner["content"])
}

func TestPublishDirect_TargetsUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.PublishDirect(ctx, 7, "room_updated", map[string]any{"room_id": 1}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, int64(7), env.UserID)
	assert.Zero(t, env.RoomID)
}

func TestSubscribe_SkipsOwnEvents(t *testing.T) {
	// Two services on the same redis simulate two instances.
	mr := miniredis.RunT(t)
	a, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	received := make(chan Envelope, 4)
	b.Subscribe(ctx, &wg, func(env Envelope) { received <- env })
	time.Sleep(50 * time.Millisecond)

	// b's own publish must not come back to b's handler.
	require.NoError(t, b.Publish(ctx, 1, "echo", "x"))
	// a's publish must arrive.
	require.NoError(t, a.Publish(ctx, 1, "cross", "y"))

	select {
	case env := <-received:
		assert.Equal(t, "cross", env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("expected cross-instance event")
	}
	select {
	case env := <-received:
		t.Fatalf("unexpected extra event %q", env.Event)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestNilService_IsNoOp(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.Publish(ctx, 1, "e", nil))
	assert.NoError(t, svc.PublishDirect(ctx, 1, "e", nil))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	svc.Subscribe(ctx, nil, func(Envelope) {})
}
