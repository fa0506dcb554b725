// Package registry implements the Local Session Table (the Hub/Cell actor
// pair, adapted directly from the teacher's virtual-cell architecture) and
// the coordinator-resident Connection Registry.
//
// The teacher's Cell allowed many concurrent sessions (devices) per user;
// this spec's invariant is at most one local session per user per
// instance, so Cell here owns a single Connector instead of a session map,
// and Attach replaces whatever connector was previously attached rather
// than adding to a set, returning it so Hub.Register can close it.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/model"
)

// Connector is the handle a transport-layer handler (the WebSocket pump
// loop) uses to read frames destined for its session and to report its
// identity to the Hub.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() string
	Send(frame *model.Frame, timeout time.Duration) bool
	Recv() <-chan *model.Frame
	Close()
}

var _ Connector = (*connect)(nil)

type connect struct {
	id     uuid.UUID
	userID string

	ctx      context.Context
	cancelFn context.CancelFunc
	sendCh   chan *model.Frame

	closeOnce      sync.Once
	lastActivityAt int64
	droppedCount   uint64
}

// NewConnector allocates a connector bound to ctx (typically the request
// context of the WebSocket upgrade) for userID, with the given mailbox
// buffer size.
func NewConnector(ctx context.Context, userID string, bufferSize int) Connector {
	childCtx, cancel := context.WithCancel(ctx)
	return &connect{
		id:             uuid.New(),
		userID:         userID,
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan *model.Frame, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) GetID() uuid.UUID  { return c.id }
func (c *connect) GetUserID() string { return c.userID }

// Send enqueues a frame, waiting up to timeout for room before dropping the
// oldest queued frame to make space. This keeps one slow session from
// stalling the Cell's actor loop (Design Notes §9's per-session
// single-writer mailbox) without needing the teacher's priority tiers,
// which this spec's frames don't carry.
func (c *connect) Send(frame *model.Frame, timeout time.Duration) bool {
	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())

	// Checked on its own first: after Close, sendCh is closed, and a select
	// that also offers a send on it could pick the send and panic.
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- frame:
		return true
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- frame:
		return true
	case <-ctx.Done():
		select {
		case <-c.sendCh:
			atomic.AddUint64(&c.droppedCount, 1)
		default:
		}
		select {
		case c.sendCh <- frame:
			return true
		default:
			atomic.AddUint64(&c.droppedCount, 1)
			return false
		}
	}
}

func (c *connect) Recv() <-chan *model.Frame { return c.sendCh }

func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		close(c.sendCh)
	})
}
