package engine

import (
	"context"
	"log/slog"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/fanout"
	"github.com/webitel/notification-fabric/internal/heartbeat"
	"github.com/webitel/notification-fabric/internal/ingestion"
	"github.com/webitel/notification-fabric/internal/ingress"
	"github.com/webitel/notification-fabric/internal/metrics"
	"github.com/webitel/notification-fabric/internal/pending"
	"github.com/webitel/notification-fabric/internal/registry"
	"github.com/webitel/notification-fabric/internal/retry"
	"go.uber.org/fx"
)

// Module provides the Engine and every component it composes, and starts
// the five background loops (stream consumer, instance fan-out, external
// pub/sub, heartbeat/GC, pending retry) via fx.Lifecycle hooks, exactly as
// spec.md §4.9's startup/shutdown sequence describes.
var Module = fx.Module(
	"engine",
	fx.Provide(
		provideHub,
		provideConnectionRegistry,
		provideStore,
		provideBus,
		New,
	),
	fx.Invoke(registerLifecycle),
)

func provideHub(logger *slog.Logger) *registry.Hub {
	return registry.NewHub(logger)
}

func provideConnectionRegistry(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) *registry.ConnectionRegistry {
	return registry.NewConnectionRegistry(coord, config.ConnectionsHashKey, cfg.InstanceID, logger)
}

func provideStore(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *pending.Store {
	return pending.NewStore(coord, cfg, logger, mx)
}

func provideBus(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *fanout.Bus {
	return fanout.NewBus(coord, cfg, logger, mx)
}

type lifecycleParams struct {
	fx.In

	LC     fx.Lifecycle
	Eng    *Engine
	Cfg    *config.Config
	Coord  coordinator.Coordinator
	Logger *slog.Logger
	Mx     *metrics.Metrics
}

func registerLifecycle(p lifecycleParams) error {
	ctx, cancel := context.WithCancel(context.Background())

	consumer := ingestion.NewConsumer(p.Coord, p.Cfg, p.Logger, p.Mx, p.Eng.SendDistributed)
	extListener := ingress.NewListener(p.Coord, p.Cfg, p.Logger, p.Eng.SendDistributed)
	hbLoop := heartbeat.NewLoop(p.Eng.Hub, p.Eng.Dreg, p.Cfg, p.Logger, nil)
	retryLoop := retry.NewLoop(p.Eng.Store, p.Cfg, p.Logger)

	if err := p.Mx.RegisterConnectedUsersGauge(p.Cfg.InstanceID, func() int64 { return int64(p.Eng.Hub.Count()) }); err != nil {
		p.Logger.Warn("failed to register connected-users gauge", "error", err)
	}

	consumerDone := make(chan struct{})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() { defer close(consumerDone); consumer.Run(ctx) }()
			go p.Eng.Bus.Run(ctx, p.Eng.SendLocal)
			go extListener.Run(ctx)
			go hbLoop.Run(ctx)
			go retryLoop.Run(ctx, p.Eng.SendDistributed)
			p.Logger.Info("engine started", "instance_id", p.Cfg.InstanceID)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()

			// Ingestion Log drain must complete synchronously on this
			// engine before the registry is wiped and the coordinator
			// pool closes (spec.md §4.9/S6).
			select {
			case <-consumerDone:
			case <-stopCtx.Done():
				p.Logger.Warn("shutdown: timed out waiting for ingestion drain")
			}

			if removed, err := p.Eng.Dreg.DeleteAllForInstance(stopCtx, p.Cfg.InstanceID); err != nil {
				p.Logger.Warn("shutdown: registry cleanup failed", "error", err)
			} else {
				p.Logger.Info("shutdown: removed registry entries", "count", removed)
			}

			p.Eng.Hub.Shutdown()

			if err := p.Mx.Shutdown(stopCtx); err != nil {
				p.Logger.Warn("shutdown: metrics shutdown failed", "error", err)
			}

			if err := p.Coord.Close(); err != nil {
				p.Logger.Warn("shutdown: coordinator close failed", "error", err)
			}

			return nil
		},
	})

	return nil
}
