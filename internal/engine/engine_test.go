package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/fanout"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/pending"
	"github.com/webitel/notification-fabric/internal/registry"
)

func newTestEngine(t *testing.T, instanceID string, coord coordinator.Coordinator) *Engine {
	t.Helper()
	cfg := &config.Config{
		InstanceID:         instanceID,
		MessageTTL:         24 * time.Hour,
		MaxPendingMessages: 100,
	}
	hub := registry.NewHub(nil, registry.WithEvictionInterval(time.Hour))
	t.Cleanup(hub.Shutdown)

	dreg := registry.NewConnectionRegistry(coord, "websocket:connections", instanceID, nil)
	store := pending.NewStore(coord, cfg, nil, nil)
	bus := fanout.NewBus(coord, cfg, nil, nil)

	return New(cfg, coord, hub, dreg, store, bus, nil, nil)
}

func TestEngineConnectRejectsEmptyUserID(t *testing.T) {
	fake := coordinator.NewFake()
	eng := newTestEngine(t, "instance-a", fake)

	_, err := eng.Connect(context.Background(), "   ")
	assert.Error(t, err)
}

func TestEngineConnectWritesRegistryAndFlushesPending(t *testing.T) {
	fake := coordinator.NewFake()
	eng := newTestEngine(t, "instance-a", fake)
	ctx := context.Background()

	require.NoError(t, eng.Store.Enqueue(ctx, "u1", model.Envelope{
		UserID:    "u1",
		Message:   "ready",
		Timestamp: time.Now().UTC(),
	}))

	conn, err := eng.Connect(ctx, "u1")
	require.NoError(t, err)

	entry, ok, err := eng.Dreg.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "instance-a", entry.InstanceID)

	select {
	case frame := <-conn.Recv():
		require.NotNil(t, frame.Envelope)
		assert.True(t, frame.Envelope.IsPending)
	case <-time.After(time.Second):
		t.Fatal("pending notification was not flushed on connect")
	}
}

func TestEngineDisconnectIsIdempotent(t *testing.T) {
	fake := coordinator.NewFake()
	eng := newTestEngine(t, "instance-a", fake)
	ctx := context.Background()

	conn, err := eng.Connect(ctx, "u1")
	require.NoError(t, err)

	eng.Disconnect(ctx, "u1", conn.GetID())
	assert.NotPanics(t, func() { eng.Disconnect(ctx, "u1", conn.GetID()) })

	_, ok, _ := eng.Dreg.Lookup(ctx, "u1")
	assert.False(t, ok)
	assert.False(t, eng.Hub.IsConnected("u1"))
}

func TestSendDistributedDeliversLocallyWhenConnected(t *testing.T) {
	fake := coordinator.NewFake()
	eng := newTestEngine(t, "instance-a", fake)
	ctx := context.Background()

	conn, err := eng.Connect(ctx, "u1")
	require.NoError(t, err)

	env := model.Envelope{UserID: "u1", Message: map[string]any{"content": "hi"}, Timestamp: time.Now().UTC()}
	delivered, method := eng.SendDistributedDetailed(ctx, "u1", env)
	assert.True(t, delivered)
	assert.Equal(t, "direct_websocket", method)

	select {
	case frame := <-conn.Recv():
		require.NotNil(t, frame.Envelope)
		msg, ok := frame.Envelope.Message.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "hi", msg["content"])
	case <-time.After(time.Second):
		t.Fatal("expected local delivery")
	}

	entries, _ := eng.Store.Raw(ctx, "u1")
	assert.Empty(t, entries, "a successfully delivered notification must not be enqueued")
}

func TestSendDistributedFansOutToOwningInstance(t *testing.T) {
	fake := coordinator.NewFake()
	engA := newTestEngine(t, "instance-a", fake)
	engB := newTestEngine(t, "instance-b", fake)
	ctx := context.Background()

	connB, err := engB.Connect(ctx, "u2")
	require.NoError(t, err)

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go engB.Bus.Run(busCtx, engB.SendLocal)
	time.Sleep(20 * time.Millisecond) // let the subscriber attach

	env := model.Envelope{UserID: "u2", Message: map[string]any{"content": "cross"}, Timestamp: time.Now().UTC()}
	delivered, method := engA.SendDistributedDetailed(ctx, "u2", env)
	assert.True(t, delivered)
	assert.Equal(t, "fanout", method)

	select {
	case frame := <-connB.Recv():
		require.NotNil(t, frame.Envelope)
		msg, ok := frame.Envelope.Message.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "cross", msg["content"])
	case <-time.After(time.Second):
		t.Fatal("expected fan-out delivery on instance B")
	}

	cancel()
}

func TestSendDistributedEnqueuesWhenNoOwner(t *testing.T) {
	fake := coordinator.NewFake()
	eng := newTestEngine(t, "instance-a", fake)
	ctx := context.Background()

	env := model.Envelope{UserID: "u3", Message: "ready", Timestamp: time.Now().UTC()}
	delivered, method := eng.SendDistributedDetailed(ctx, "u3", env)
	assert.False(t, delivered)
	assert.Equal(t, "pending", method)

	entries, err := eng.Store.Raw(ctx, "u3")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Attempts)
}
