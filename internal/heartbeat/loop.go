// Package heartbeat implements spec.md §4.6: a dedicated loop that evicts
// stalled local sessions, pushes heartbeat frames to the rest, and sweeps
// stale Connection Registry entries.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/registry"
)

type Loop struct {
	hub      *registry.Hub
	dreg     *registry.ConnectionRegistry
	cfg      *config.Config
	logger   *slog.Logger
	onEvict  func(userID string)
}

func NewLoop(hub *registry.Hub, dreg *registry.ConnectionRegistry, cfg *config.Config, logger *slog.Logger, onEvict func(userID string)) *Loop {
	return &Loop{hub: hub, dreg: dreg, cfg: cfg, logger: logger, onEvict: onEvict}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	frame := &model.Frame{Type: model.FrameTypeHeartbeat, Timestamp: time.Now().UTC(), InstanceID: l.cfg.InstanceID}

	evicted := l.hub.HeartbeatSweep(l.cfg.ClientTimeout(), frame)
	for _, userID := range evicted {
		_ = l.dreg.Delete(ctx, userID)
		if l.onEvict != nil {
			l.onEvict(userID)
		}
	}
	if len(evicted) > 0 {
		l.logger.Info("heartbeat evicted stalled sessions", "count", len(evicted))
	}

	removed, err := l.dreg.Sweep(ctx, config.RegistrySweepHorizon)
	if err != nil {
		l.logger.Warn("registry sweep failed", "error", err)
		return
	}
	if removed > 0 {
		l.logger.Info("registry sweep removed stale entries", "count", removed)
	}
}
