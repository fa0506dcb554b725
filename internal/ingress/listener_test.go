package ingress

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
)

func newTestListener(dispatch Dispatcher) *Listener {
	fake := coordinator.NewFake()
	cfg := &config.Config{InstanceID: "instance-a"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewListener(fake, cfg, logger, dispatch)
}

func TestListenerHandleWrapsStringMessage(t *testing.T) {
	var gotEnv model.Envelope
	l := newTestListener(func(ctx context.Context, userID string, env model.Envelope) bool {
		gotEnv = env
		return true
	})

	l.handle(context.Background(), `{"user_id":"u1","message":"hello"}`)

	assert.Equal(t, "u1", gotEnv.UserID)
	assert.Equal(t, "notification", gotEnv.Type)
	msg, ok := gotEnv.Message.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "hello", msg["content"])
}

func TestListenerHandlePreservesObjectMessage(t *testing.T) {
	var gotEnv model.Envelope
	l := newTestListener(func(ctx context.Context, userID string, env model.Envelope) bool {
		gotEnv = env
		return true
	})

	l.handle(context.Background(), `{"user_id":"u1","type":"alert","message":{"severity":"high"}}`)

	assert.Equal(t, "alert", gotEnv.Type)
	msg, ok := gotEnv.Message.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "high", msg["severity"])
}

func TestListenerHandleDropsMissingUserID(t *testing.T) {
	called := false
	l := newTestListener(func(ctx context.Context, userID string, env model.Envelope) bool {
		called = true
		return true
	})

	l.handle(context.Background(), `{"message":"hi"}`)
	assert.False(t, called)
}

func TestListenerHandleDropsMalformedJSON(t *testing.T) {
	called := false
	l := newTestListener(func(ctx context.Context, userID string, env model.Envelope) bool {
		called = true
		return true
	})

	l.handle(context.Background(), `not json`)
	assert.False(t, called)
}
