package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/metrics"
)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("instance_id", cfg.InstanceID)
}

func ProvideCoordinator(cfg *config.Config) coordinator.Coordinator {
	return coordinator.New(coordinator.Options{
		Host: cfg.RedisHost,
		Port: cfg.RedisPort,
		DB:   config.RedisDB,
	})
}

func ProvideMetrics(cfg *config.Config, logger *slog.Logger) (*metrics.Metrics, error) {
	return metrics.New(context.Background(), metrics.Options{InstanceID: cfg.InstanceID}, logger)
}
