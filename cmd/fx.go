package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/webitel/notification-fabric/internal/config"
	httphandler "github.com/webitel/notification-fabric/internal/handler/http"
	wshandler "github.com/webitel/notification-fabric/internal/handler/ws"
	"go.uber.org/fx"

	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/engine"
)

// NewApp composes the fabric's fx graph: ambient providers (config, logger,
// coordinator, metrics), the engine module (registry/pending/fanout plus
// the five background loops), and the HTTP/WS server, following the
// teacher's cmd/fx.go composition style (fx.New over fx.Provide + named
// fx.Module values).
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideCoordinator,
			ProvideMetrics,
		),
		engine.Module,
		fx.Invoke(registerHTTPServer),
	)
}

func registerHTTPServer(lc fx.Lifecycle, cfg *config.Config, eng *engine.Engine, coord coordinator.Coordinator, logger *slog.Logger) {
	mux := httphandler.NewRouter(logger, eng, cfg, coord)
	wsHandler := wshandler.NewHandler(logger, eng, cfg)
	mux.Get("/ws/{user_id}", wsHandler.ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := newListener(cfg.HTTPAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", "error", err)
				}
			}()
			logger.Info("http/ws surface listening", "addr", cfg.HTTPAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
