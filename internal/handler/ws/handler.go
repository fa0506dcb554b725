// Package ws implements the WS /ws/{user_id} surface (spec.md §4.8),
// adapted directly from the teacher's internal/handler/ws/delivery.go pump
// loop: upgrade, subscribe through the engine, then concurrently read
// client frames (for ping/pong and activity tracking) and write server
// frames pulled off the connector's mailbox.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/webitel/notification-fabric/internal/apperr"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/engine"
	wsmarshaller "github.com/webitel/notification-fabric/internal/marshaller/ws"
	"github.com/webitel/notification-fabric/internal/registry"
)

type Handler struct {
	logger   *slog.Logger
	engine   *engine.Engine
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewHandler(logger *slog.Logger, eng *engine.Engine, cfg *config.Config) *Handler {
	return &Handler{
		logger: logger,
		engine: eng,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

const invalidUserCloseCode = 4000

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if userID == "" {
		closeMsg := websocket.FormatCloseMessage(invalidUserCloseCode, "Invalid user_id")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return
	}

	session, err := h.engine.Connect(r.Context(), userID)
	if err != nil {
		h.logger.Warn("ws connect failed", "user_id", userID, "error", apperr.Kind(err))
		if errors.Is(err, apperr.ErrInvalidInput) {
			closeMsg := websocket.FormatCloseMessage(invalidUserCloseCode, "Invalid user_id")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		}
		return
	}
	defer h.engine.Disconnect(r.Context(), userID, session.GetID())

	h.logger.Info("ws opened", "user_id", userID, "conn_id", session.GetID())

	done := make(chan struct{})
	go h.readLoop(conn, userID, session, done)
	h.writeLoop(conn, r, session, done)
}

// writeLoop is the single writer for this session's socket (Design Notes
// §9: route all outbound frames through one writer so heartbeat, direct
// delivery and pending flush never interleave on the same connection).
func (h *Handler) writeLoop(conn *websocket.Conn, r *http.Request, session registry.Connector, done chan struct{}) {
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case frame, ok := <-session.Recv():
			if !ok {
				return
			}
			data, err := wsmarshaller.Encode(frame)
			if err != nil {
				h.logger.Error("failed to marshal ws frame", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("ws write failed", "error", err)
				return
			}
		}
	}
}

// pongSendTimeout bounds how long a "ping" reply waits for room in the
// session's mailbox before being dropped, matching the heartbeat loop's
// own per-session send timeout.
const pongSendTimeout = 250 * time.Millisecond

// readLoop drains inbound client frames. Every frame refreshes the
// session's last-activity clock through Hub.Touch; a "ping"
// frame elicits a pong, enqueued through the session's single-writer
// mailbox (Design Notes §9) rather than written to the socket directly,
// since writeLoop is concurrently writing from the ServeHTTP goroutine.
func (h *Handler) readLoop(conn *websocket.Conn, userID string, session registry.Connector, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.engine.Hub.Touch(userID)

		cf := wsmarshaller.DecodeClient(data)
		if cf.Type == "ping" {
			pong := wsmarshaller.Pong(h.cfg.InstanceID, time.Now().UTC())
			session.Send(pong, pongSendTimeout)
		}
	}
}
