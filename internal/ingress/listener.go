// Package ingress implements the External Pub/Sub Ingress (spec.md §4.5):
// a single well-known channel that accepts loosely structured notification
// envelopes from any producer.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/reconnect"
)

// Dispatcher is the engine operation an ingested envelope is handed to.
type Dispatcher func(ctx context.Context, userID string, env model.Envelope) bool

type rawPayload struct {
	UserID  string `json:"user_id"`
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type Listener struct {
	coord    coordinator.Coordinator
	cfg      *config.Config
	logger   *slog.Logger
	dispatch Dispatcher
}

func NewListener(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, dispatch Dispatcher) *Listener {
	return &Listener{coord: coord, cfg: cfg, logger: logger, dispatch: dispatch}
}

func (l *Listener) Run(ctx context.Context) {
	backoff := reconnect.New(config.RedisRetryBaseDelay, config.ReconnectBackoffCap, config.MaxReconnectAttempts)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub, err := l.coord.Subscribe(ctx, config.ExternalIngressChannel)
		if err != nil {
			delay, ok := backoff.Next()
			if !ok {
				l.logger.Error("ingress: giving up subscribing", "error", err)
				return
			}
			l.logger.Warn("ingress: subscribe failed, backing off", "error", err, "delay", delay)
			if !reconnect.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()

		l.consume(ctx, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub coordinator.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	var raw rawPayload
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		l.logger.Warn("ingress: malformed payload, dropping", "error", err)
		return
	}

	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		l.logger.Warn("ingress: payload missing user_id, dropping")
		return
	}

	msgType := raw.Type
	if msgType == "" {
		msgType = "notification"
	}

	message := raw.Message
	if s, ok := message.(string); ok {
		message = map[string]any{"content": s}
	}

	env := model.Envelope{
		NotificationID: uuid.New(),
		UserID:         userID,
		Type:           msgType,
		Message:        message,
		Timestamp:      time.Now().UTC(),
	}

	l.dispatch(ctx, userID, env)
}
