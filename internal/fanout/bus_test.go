package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
)

func discardSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusPublishShapesFanoutEnvelope(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := &config.Config{InstanceID: "instance-a"}
	bus := NewBus(fake, cfg, nil, nil)

	sub, err := fake.Subscribe(context.Background(), cfg.InstanceChannelKey("instance-b"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(context.Background(), "instance-b", "u1", map[string]any{"content": "hi"}))

	select {
	case msg := <-sub.Channel():
		var env model.FanoutEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "fanout", env.Type)
		assert.Equal(t, "u1", env.UserID)
		assert.Equal(t, "instance-a", env.SourceInstance)
	case <-time.After(time.Second):
		t.Fatal("expected the envelope on instance-b's channel")
	}
}

func TestBusRunDeliversLocallyAndDropsWhenAbsent(t *testing.T) {
	fake := coordinator.NewFake()
	cfgB := &config.Config{InstanceID: "instance-b"}
	busB := NewBus(fake, cfgB, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan string, 4)
	deliver := func(userID string, message any) bool {
		delivered <- userID
		return userID == "present"
	}
	go busB.Run(ctx, deliver)
	time.Sleep(20 * time.Millisecond)

	cfgA := &config.Config{InstanceID: "instance-a"}
	busA := NewBus(fake, cfgA, nil, nil)

	require.NoError(t, busA.Publish(context.Background(), "instance-b", "present", "hi"))
	require.NoError(t, busA.Publish(context.Background(), "instance-b", "absent", "hi"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case uid := <-delivered:
			seen[uid] = true
		case <-time.After(time.Second):
			t.Fatal("expected both fan-out messages to be attempted")
		}
	}
	assert.True(t, seen["present"])
	assert.True(t, seen["absent"])
}

func TestBusHandleDropsMalformedPayload(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := &config.Config{InstanceID: "instance-a"}
	bus := NewBus(fake, cfg, discardSlog(), nil)

	called := false
	bus.handle(context.Background(), "not json", func(userID string, message any) bool {
		called = true
		return true
	})
	assert.False(t, called)
}
