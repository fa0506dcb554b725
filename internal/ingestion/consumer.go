// Package ingestion implements the Ingestion Log Consumer (spec.md §4.3):
// a competing consumer-group reader over the shared notifications stream,
// grounded on the consumer-group reader shape in the retrieved algo-sys
// Redis reader (EnsureConsumerGroup / XReadGroup loop / XAck), adapted from
// typed candle decoding to this fabric's loosely-typed notification
// envelope.
package ingestion

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/metrics"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/reconnect"
)

// Dispatcher is the engine operation a consumed envelope is handed to:
// send_distributed semantics (local delivery, fan-out, or enqueue).
type Dispatcher func(ctx context.Context, userID string, env model.Envelope) bool

type Consumer struct {
	coord      coordinator.Coordinator
	cfg        *config.Config
	logger     *slog.Logger
	mx         *metrics.Metrics
	dispatch   Dispatcher
	consumerID string

	// seen skips a notification_id this consumer has already dispatched
	// within the cache's retention window (for example one appended to the
	// log twice). The consumer reads only new entries and never claims
	// another consumer's pending entries, so this is an optimization, not a
	// correctness mechanism; entries age out of the cache.
	seen *lru.Cache[string, struct{}]
}

func NewConsumer(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics, dispatch Dispatcher) *Consumer {
	cache, _ := lru.New[string, struct{}](4096)
	return &Consumer{
		coord:      coord,
		cfg:        cfg,
		logger:     logger,
		mx:         mx,
		dispatch:   dispatch,
		consumerID: cfg.InstanceID + "_" + randSuffix(),
		seen:       cache,
	}
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Run ensures the consumer group exists and then loops reading and
// dispatching messages until ctx is cancelled. Any coordinator failure is
// retried with the shared reconnect backoff; after MaxReconnectAttempts the
// loop logs critical and exits, leaving the rest of the service running.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.coord.EnsureConsumerGroup(ctx, config.StreamName, config.ConsumerGroup); err != nil {
		c.logger.Error("ingestion: failed to ensure consumer group", "error", err)
	}

	backoff := reconnect.New(config.RedisRetryBaseDelay, config.ReconnectBackoffCap, config.MaxReconnectAttempts)

	for {
		select {
		case <-ctx.Done():
			c.drain(context.Background())
			return
		default:
		}

		msgs, err := c.coord.XReadGroup(ctx, config.StreamName, config.ConsumerGroup, c.consumerID, 10, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				// The blocking read was interrupted by shutdown cancelling ctx,
				// not a coordinator failure; drain on a fresh context so entries
				// still sitting on the stream reach a locally connected user
				// before the coordinator pool closes (spec.md §4.3, S6).
				c.drain(context.Background())
				return
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				_ = c.coord.EnsureConsumerGroup(ctx, config.StreamName, config.ConsumerGroup)
				continue
			}
			delay, ok := backoff.Next()
			if !ok {
				c.logger.Error("ingestion: giving up after repeated coordinator failures", "error", err)
				return
			}
			c.logger.Warn("ingestion: read failed, backing off", "error", err, "delay", delay)
			if !reconnect.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()

		for _, m := range msgs {
			c.process(ctx, m)
		}
	}
}

// drain reads with block=0 until the stream is exhausted, used during
// graceful shutdown so in-flight entries targeting a locally connected user
// are delivered before the coordinator pool closes.
func (c *Consumer) drain(ctx context.Context) {
	for {
		msgs, err := c.coord.XReadGroup(ctx, config.StreamName, config.ConsumerGroup, c.consumerID, 50, 0)
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			c.process(ctx, m)
		}
	}
}

func (c *Consumer) process(ctx context.Context, m coordinator.StreamMessage) {
	defer func() { _ = c.coord.XAck(ctx, config.StreamName, config.ConsumerGroup, m.ID) }()

	userID := strings.TrimSpace(stringValue(m.Values["user_id"]))
	if userID == "" {
		return
	}

	notificationID := uuid.New()
	if raw := stringValue(m.Values["notification_id"]); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			notificationID = parsed
		}
	}

	if _, ok := c.seen.Get(notificationID.String()); ok {
		return
	}
	c.seen.Add(notificationID.String(), struct{}{})

	msgType := stringValue(m.Values["type"])
	if msgType == "" {
		msgType = "notification"
	}

	var payload any
	raw := stringValue(m.Values["message"])
	var decoded any
	if raw != "" && json.Unmarshal([]byte(raw), &decoded) == nil {
		if _, isObj := decoded.(map[string]any); isObj {
			payload = decoded
		} else {
			payload = map[string]any{"content": decoded}
		}
	} else if raw != "" {
		payload = map[string]any{"content": raw}
	}

	env := model.Envelope{
		NotificationID: notificationID,
		UserID:         userID,
		Type:           msgType,
		Message:        payload,
		Timestamp:      time.Now().UTC(),
	}

	if c.mx != nil {
		c.mx.StreamConsumed.Add(ctx, 1)
	}
	c.dispatch(ctx, userID, env)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
