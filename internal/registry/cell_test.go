package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notification-fabric/internal/model"
)

func TestCellAttachReplacesPreviousConnector(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	first := NewConnector(context.Background(), "u1", 4)
	second := NewConnector(context.Background(), "u1", 4)

	prev := cell.Attach(first)
	assert.Nil(t, prev, "first attach has nothing to supersede")

	prev = cell.Attach(second)
	require.NotNil(t, prev)
	assert.Equal(t, first.GetID(), prev.GetID(), "second attach must return the superseded connector")
}

func TestCellDetachReportsEmptyOnlyForCurrentConnector(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	first := NewConnector(context.Background(), "u1", 4)
	cell.Attach(first)

	second := NewConnector(context.Background(), "u1", 4)
	empty := cell.Detach(second.GetID())
	assert.False(t, empty, "detaching a stale connector id must not clear the live one")

	empty = cell.Detach(first.GetID())
	assert.True(t, empty)
}

func TestCellPushDeliversToAttachedConnector(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	conn := NewConnector(context.Background(), "u1", 4)
	cell.Attach(conn)

	frame := &model.Frame{Type: model.FrameTypeNotification}
	assert.True(t, cell.Push(frame))

	select {
	case got := <-conn.Recv():
		assert.Same(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered through the cell's mailbox")
	}
}

func TestCellIsIdleOnlyWithoutSession(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	conn := NewConnector(context.Background(), "u1", 4)
	cell.Attach(conn)
	assert.False(t, cell.IsIdle(0), "a cell with a live session is never idle")

	cell.Detach(conn.GetID())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, cell.IsIdle(time.Millisecond))
}

func TestCellSendDirectSucceedsWithNoSession(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	ok := cell.SendDirect(&model.Frame{Type: model.FrameTypeHeartbeat}, time.Second)
	assert.True(t, ok, "a cell with no attached session trivially succeeds a heartbeat send")
}

func TestCellTouchRefreshesLastActivity(t *testing.T) {
	cell := NewCell("u1", 8)
	defer cell.Stop()

	stale := time.Now().Add(-time.Hour)
	cell.lastActivityUnix = stale.Unix()

	cell.Touch()
	assert.WithinDuration(t, time.Now(), cell.LastActivity(), time.Second)
}
