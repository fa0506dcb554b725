package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
)

func testConfig(instanceID string) *config.Config {
	return &config.Config{InstanceID: instanceID}
}

func TestConsumerDispatchesParsedEnvelope(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	var gotUserID string
	var gotEnv model.Envelope
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		gotUserID = userID
		gotEnv = env
		return true
	}

	c := NewConsumer(fake, cfg, nil, nil, dispatch)

	nid := uuid.New()
	_, err := fake.XAdd(context.Background(), config.StreamName, map[string]any{
		"user_id":         "u1",
		"type":            "notification",
		"message":         `{"content":"hi"}`,
		"notification_id": nid.String(),
	})
	require.NoError(t, err)

	msgs, err := fake.XReadGroup(context.Background(), config.StreamName, config.ConsumerGroup, "consumer-1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	c.process(context.Background(), msgs[0])

	assert.Equal(t, "u1", gotUserID)
	assert.Equal(t, "u1", gotEnv.UserID)
	assert.Equal(t, nid, gotEnv.NotificationID)
	msg, ok := gotEnv.Message.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", msg["content"])
}

func TestConsumerDropsMessageMissingUserID(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	dispatched := false
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		dispatched = true
		return true
	}

	c := NewConsumer(fake, cfg, nil, nil, dispatch)

	m := coordinator.StreamMessage{ID: "1-1", Values: map[string]any{"message": "no user here"}}
	c.process(context.Background(), m)

	assert.False(t, dispatched, "a message without a user_id must be dropped, not dispatched")
}

func TestConsumerWrapsNonObjectMessageAsContent(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	var gotEnv model.Envelope
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		gotEnv = env
		return true
	}
	c := NewConsumer(fake, cfg, nil, nil, dispatch)

	m := coordinator.StreamMessage{ID: "1-1", Values: map[string]any{
		"user_id": "u1",
		"message": `"just a string"`,
	}}
	c.process(context.Background(), m)

	msg, ok := gotEnv.Message.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "just a string", msg["content"])
}

func TestConsumerDefaultsTypeToNotification(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	var gotEnv model.Envelope
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		gotEnv = env
		return true
	}
	c := NewConsumer(fake, cfg, nil, nil, dispatch)

	m := coordinator.StreamMessage{ID: "1-1", Values: map[string]any{"user_id": "u1"}}
	c.process(context.Background(), m)

	assert.Equal(t, "notification", gotEnv.Type)
}

func TestConsumerAcksEveryMessageRegardlessOfDispatchResult(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool { return false }
	coord := &ackRecordingCoordinator{Fake: fake}
	c := NewConsumer(coord, cfg, nil, nil, dispatch)

	_, err := fake.XAdd(context.Background(), config.StreamName, map[string]any{"user_id": "u1"})
	require.NoError(t, err)

	msgs, err := fake.XReadGroup(context.Background(), config.StreamName, config.ConsumerGroup, "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.NotPanics(t, func() { c.process(context.Background(), msgs[0]) })
	assert.Equal(t, []string{msgs[0].ID}, coord.acked, "a message whose dispatch failed must still be acknowledged")
}

// ackRecordingCoordinator wraps coordinator.Fake and records the ids passed
// to XAck.
type ackRecordingCoordinator struct {
	*coordinator.Fake
	acked []string
}

func (a *ackRecordingCoordinator) XAck(ctx context.Context, stream, group string, ids ...string) error {
	a.acked = append(a.acked, ids...)
	return nil
}

func TestConsumerDeduplicatesRepeatedNotificationID(t *testing.T) {
	fake := coordinator.NewFake()
	cfg := testConfig("instance-a")

	calls := 0
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		calls++
		return true
	}
	c := NewConsumer(fake, cfg, nil, nil, dispatch)

	nid := uuid.New().String()
	m := coordinator.StreamMessage{ID: "1-1", Values: map[string]any{"user_id": "u1", "notification_id": nid}}

	c.process(context.Background(), m)
	c.process(context.Background(), m)

	assert.Equal(t, 1, calls, "an id seen again must not be dispatched twice within the cache window")
}

// blockingReadCoordinator wraps coordinator.Fake so a blocking XReadGroup
// (block > 0) waits on the given ctx whatever the stream holds, instead of
// the fake's normal immediate-return behavior; a non-blocking read
// (block <= 0, as drain issues) goes to the fake. This reproduces the
// shutdown scenario Run must handle: the blocking read is interrupted by
// ctx cancellation, not by a coordinator failure.
type blockingReadCoordinator struct {
	*coordinator.Fake
}

func (b *blockingReadCoordinator) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]coordinator.StreamMessage, error) {
	if block > 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.Fake.XReadGroup(ctx, stream, group, consumer, count, block)
}

func TestConsumerRunDrainsOnShutdownInsteadOfDroppingMessages(t *testing.T) {
	fake := coordinator.NewFake()
	coord := &blockingReadCoordinator{Fake: fake}
	cfg := testConfig("instance-a")

	_, err := fake.XAdd(context.Background(), config.StreamName, map[string]any{"user_id": "u6", "message": `"ready"`})
	require.NoError(t, err)

	delivered := make(chan string, 1)
	dispatch := func(ctx context.Context, userID string, env model.Envelope) bool {
		delivered <- userID
		return true
	}

	c := NewConsumer(coord, cfg, nil, nil, dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()

	cancel()

	select {
	case userID := <-delivered:
		assert.Equal(t, "u6", userID, "the message queued before shutdown must still be drained and dispatched")
	case <-time.After(time.Second):
		t.Fatal("Run did not drain the pending stream entry on shutdown")
	}

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after draining")
	}
}
