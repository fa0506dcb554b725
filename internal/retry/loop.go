// Package retry implements the Pending Retry Loop (spec.md §4.7): the only
// path that can promote a pending entry into the dead letter sink.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/pending"
)

type Loop struct {
	store  *pending.Store
	cfg    *config.Config
	logger *slog.Logger
}

func NewLoop(store *pending.Store, cfg *config.Config, logger *slog.Logger) *Loop {
	return &Loop{store: store, cfg: cfg, logger: logger}
}

func (l *Loop) Run(ctx context.Context, deliver pending.DistributedDeliver) {
	ticker := time.NewTicker(l.cfg.PendingRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx, deliver)
		}
	}
}

func (l *Loop) tick(ctx context.Context, deliver pending.DistributedDeliver) {
	users, err := l.store.PendingUsers(ctx)
	if err != nil {
		l.logger.Warn("retry loop: failed to list pending users", "error", err)
		return
	}
	for _, userID := range users {
		l.store.RetryUser(ctx, userID, deliver)
	}
}
