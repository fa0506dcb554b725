package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/model"
)

// Celler is the internal API for a single user's delivery unit.
type Celler interface {
	Push(frame *model.Frame) bool
	Attach(conn Connector) Connector // returns the previously attached connector, if any
	Detach(connID uuid.UUID) bool    // returns true if the cell is now empty
	IsIdle(timeout time.Duration) bool
	Stop()

	// LastActivity, HasSession and SendDirect back the heartbeat/GC loop's
	// per-session idle check and heartbeat send.
	LastActivity() time.Time
	HasSession() bool
	SendDirect(frame *model.Frame, timeout time.Duration) bool
	Touch()
}

// Cell is a per-user actor holding at most one live Connector, per this
// spec's at-most-one-local-session-per-user-per-instance invariant. Frames
// are delivered through a buffered mailbox so a slow WebSocket write never
// blocks the caller pushing into the Hub.
type Cell struct {
	userID string

	mailbox chan *model.Frame

	mu   sync.RWMutex
	conn Connector

	doneCh chan struct{}

	lastActivityUnix int64
}

func NewCell(userID string, bufferSize int) *Cell {
	c := &Cell{
		userID:           userID,
		mailbox:          make(chan *model.Frame, bufferSize),
		doneCh:           make(chan struct{}),
		lastActivityUnix: time.Now().Unix(),
	}
	go c.loop()
	return c
}

func (c *Cell) touch() {
	atomic.StoreInt64(&c.lastActivityUnix, time.Now().Unix())
}

// Touch records inbound client activity (any frame read off the socket,
// including a bare ping) so the heartbeat loop's idle check reflects a
// client that is listening but has nothing to Push, per spec.md §4.8.
func (c *Cell) Touch() { c.touch() }

func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	hasConn := c.conn != nil
	c.mu.RUnlock()
	if hasConn {
		return false
	}
	lastActivity := time.Unix(atomic.LoadInt64(&c.lastActivityUnix), 0)
	return time.Since(lastActivity) > timeout
}

func (c *Cell) Push(frame *model.Frame) bool {
	c.touch()
	select {
	case c.mailbox <- frame:
		return true
	default:
		return false
	}
}

// Attach replaces whatever connector currently occupies this cell and
// returns it so the caller can close the superseded session.
func (c *Cell) Attach(conn Connector) Connector {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()
	c.touch()
	return prev
}

// Detach clears the connector if connID matches the one currently attached
// and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	if c.conn != nil && c.conn.GetID() == connID {
		c.conn = nil
	}
	empty := c.conn == nil
	c.mu.Unlock()
	c.touch()
	return empty
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case frame := <-c.mailbox:
			c.deliver(frame)
			for range 64 {
				select {
				case next := <-c.mailbox:
					c.deliver(next)
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

func (c *Cell) deliver(frame *model.Frame) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.Send(frame, 250*time.Millisecond)
}

func (c *Cell) LastActivity() time.Time {
	return time.Unix(atomic.LoadInt64(&c.lastActivityUnix), 0)
}

func (c *Cell) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendDirect writes frame straight to the attached connector, bypassing the
// mailbox, for the heartbeat loop which needs a per-cycle pass/fail result
// rather than fire-and-forget delivery. A cell with no session trivially
// succeeds: there is nothing to fail.
func (c *Cell) SendDirect(frame *model.Frame, timeout time.Duration) bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return true
	}
	return conn.Send(frame, timeout)
}

func (c *Cell) Stop() {
	close(c.doneCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
