package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/engine"
	"github.com/webitel/notification-fabric/internal/fanout"
	"github.com/webitel/notification-fabric/internal/pending"
	"github.com/webitel/notification-fabric/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	fake := coordinator.NewFake()
	cfg := &config.Config{InstanceID: "instance-a", MessageTTL: time.Hour, MaxPendingMessages: 10}
	hub := registry.NewHub(discardLogger(), registry.WithEvictionInterval(time.Hour))
	t.Cleanup(hub.Shutdown)
	dreg := registry.NewConnectionRegistry(fake, config.ConnectionsHashKey, cfg.InstanceID, discardLogger())
	store := pending.NewStore(fake, cfg, discardLogger(), nil)
	bus := fanout.NewBus(fake, cfg, discardLogger(), nil)
	eng := engine.New(cfg, fake, hub, dreg, store, bus, nil, discardLogger())

	h := NewHandler(discardLogger(), eng, cfg)
	r := chi.NewRouter()
	r.Get("/ws/{user_id}", h.ServeHTTP)
	return httptest.NewServer(r)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestHandlerClosesWithInvalidUserCodeForBlankUserID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/%20"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a websocket close error, got %T: %v", err, err)
	assert.Equal(t, invalidUserCloseCode, closeErr.Code)
}

func TestHandlerRepliesPongToClientPing(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/u1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "pong")
}
