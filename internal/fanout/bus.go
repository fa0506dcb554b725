// Package fanout implements the Instance Fan-Out Bus (spec.md §4.4): one
// pub/sub channel per instance, used to forward a notification from the
// instance that picked it up to the instance that actually owns the
// target user's local session.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/metrics"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/reconnect"
)

// LocalDeliver attempts local-only delivery of a fanned-out message.
type LocalDeliver func(userID string, message any) bool

type Bus struct {
	coord      coordinator.Coordinator
	cfg        *config.Config
	logger     *slog.Logger
	mx         *metrics.Metrics
	instanceID string
}

func NewBus(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *Bus {
	return &Bus{coord: coord, cfg: cfg, logger: logger, mx: mx, instanceID: cfg.InstanceID}
}

// Publish forwards message to the instance owning ownerInstanceID's
// channel. The caller (send_distributed) has already decided the user is
// not local, so this never re-checks ownership.
func (b *Bus) Publish(ctx context.Context, ownerInstanceID, userID string, message any) error {
	env := model.FanoutEnvelope{
		Type:           "fanout",
		UserID:         userID,
		Message:        message,
		SourceInstance: b.instanceID,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.coord.Publish(ctx, b.cfg.InstanceChannelKey(ownerInstanceID), string(raw)); err != nil {
		return err
	}
	if b.mx != nil {
		b.mx.FanoutSent.Add(ctx, 1)
	}
	return nil
}

// Run subscribes to this instance's own channel and attempts local
// delivery of every fan-out envelope it receives. A message for a user who
// is no longer local is logged and dropped — the originating instance
// already reported success, so no re-enqueue happens here (see DESIGN.md's
// Open Question decision 1).
func (b *Bus) Run(ctx context.Context, deliver LocalDeliver) {
	backoff := reconnect.New(config.RedisRetryBaseDelay, config.ReconnectBackoffCap, config.MaxReconnectAttempts)
	channel := b.cfg.InstanceChannelKey(b.instanceID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub, err := b.coord.Subscribe(ctx, channel)
		if err != nil {
			delay, ok := backoff.Next()
			if !ok {
				b.logger.Error("fanout: giving up subscribing", "error", err)
				return
			}
			b.logger.Warn("fanout: subscribe failed, backing off", "error", err, "delay", delay)
			if !reconnect.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()

		b.consume(ctx, sub, deliver)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bus) consume(ctx context.Context, sub coordinator.Subscription, deliver LocalDeliver) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			b.handle(ctx, msg.Payload, deliver)
		}
	}
}

func (b *Bus) handle(ctx context.Context, payload string, deliver LocalDeliver) {
	var env model.FanoutEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("fanout: malformed envelope, dropping", "error", err)
		return
	}
	if b.mx != nil {
		b.mx.FanoutReceived.Add(ctx, 1)
	}
	if !deliver(env.UserID, env.Message) && b.logger != nil {
		b.logger.Info("fanout: target no longer local, dropping", "user_id", env.UserID)
	}
}
