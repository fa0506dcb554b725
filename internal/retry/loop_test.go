package retry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/pending"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopTickRetriesEveryPendingUser(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := &config.Config{MessageTTL: time.Hour, MaxPendingMessages: 10, PendingRetryInterval: time.Minute}
	store := pending.NewStore(fake, cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "u1", model.Envelope{UserID: "u1", Message: "a", Timestamp: time.Now().UTC()}))
	require.NoError(t, store.Enqueue(ctx, "u2", model.Envelope{UserID: "u2", Message: "b", Timestamp: time.Now().UTC()}))

	var attempted []string
	loop := NewLoop(store, cfg, discardLogger())
	loop.tick(ctx, func(ctx context.Context, userID string, env model.Envelope) bool {
		attempted = append(attempted, userID)
		return true
	})

	assert.ElementsMatch(t, []string{"u1", "u2"}, attempted)

	users, err := store.PendingUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users, "successful retries must drain the pending index")
}
