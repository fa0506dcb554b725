package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/model"
)

// Hubber is the Local Session Table's external API.
type Hubber interface {
	Push(userID string, frame *model.Frame) bool
	Register(conn Connector)
	Unregister(userID string, connID uuid.UUID)
	Touch(userID string)
	IsConnected(userID string) bool
	LocalUserIDs() []string
	Count() int
	Shutdown()
}

// Option configures a Hub.
type Option func(*Hub)

func WithEvictionInterval(d time.Duration) Option { return func(h *Hub) { h.evictionInterval = d } }
func WithIdleTimeout(d time.Duration) Option      { return func(h *Hub) { h.idleTimeout = d } }
func WithMailboxSize(n int) Option                { return func(h *Hub) { h.mailboxSize = n } }

// Hub implements Hubber with a Virtual Cell architecture, one Cell per
// connected user, backed by a sync.Map for lock-free lookups.
type Hub struct {
	cells sync.Map // userID string -> Celler

	logger *slog.Logger

	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
	stopCh           chan struct{}
}

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:           logger,
		evictionInterval: time.Minute,
		idleTimeout:      5 * time.Minute,
		mailboxSize:      256,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.runEvictor()
	return h
}

func (h *Hub) IsConnected(userID string) bool {
	_, ok := h.cells.Load(userID)
	return ok
}

// Push dispatches a frame to the user's cell mailbox, returning false if
// the user has no local cell or the mailbox is full.
func (h *Hub) Push(userID string, frame *model.Frame) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	if !ok {
		return false
	}
	return cell.Push(frame)
}

// Register attaches conn to its user's cell, creating the cell if this is
// the first session for that user on this instance, and closes any
// previously attached connector for that user (enforcing at most one local
// session per user per instance).
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	val, _ := h.cells.LoadOrStore(uID, NewCell(uID, h.mailboxSize))
	cell, ok := val.(Celler)
	if !ok {
		return
	}
	if prev := cell.Attach(conn); prev != nil {
		prev.Close()
	}
}

// Touch refreshes the idle clock for userID's cell, if one exists. Called
// for every inbound client frame so a listening-but-quiet client is never
// mistaken for a stalled one by the heartbeat loop.
func (h *Hub) Touch(userID string) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			cell.Touch()
		}
	}
}

// Unregister detaches connID from userID's cell and, if that leaves the
// cell with no attached session, removes it immediately rather than
// waiting for the next eviction tick — so Count/IsConnected reflect a
// disconnect the moment it happens, not up to evictionInterval later.
func (h *Hub) Unregister(userID string, connID uuid.UUID) {
	val, ok := h.cells.Load(userID)
	if !ok {
		return
	}
	cell, ok := val.(Celler)
	if !ok {
		return
	}
	if empty := cell.Detach(connID); empty {
		cell.Stop()
		h.cells.Delete(userID)
	}
}

// LocalUserIDs lists every user id with a cell on this instance, including
// idle-but-not-yet-reaped ones.
func (h *Hub) LocalUserIDs() []string {
	var out []string
	h.cells.Range(func(key, _ any) bool {
		if uid, ok := key.(string); ok {
			out = append(out, uid)
		}
		return true
	})
	return out
}

func (h *Hub) Count() int {
	n := 0
	h.cells.Range(func(_, _ any) bool { n++; return true })
	return n
}

// HeartbeatSweep implements spec.md §4.6 steps 2-4 for the local half of
// the fabric: any cell idle longer than timeout is stopped and reaped
// immediately (no need to wait for the evictor's next tick); every
// remaining cell with a live session receives a heartbeat frame, and a
// send failure evicts it too. It returns the user ids evicted this cycle
// so the caller can clean up their Connection Registry entries.
func (h *Hub) HeartbeatSweep(timeout time.Duration, frame *model.Frame) []string {
	var evicted []string
	h.cells.Range(func(key, value any) bool {
		userID, _ := key.(string)
		cell, ok := value.(Celler)
		if !ok {
			return true
		}

		stale := cell.HasSession() && time.Since(cell.LastActivity()) > timeout
		failed := false
		if !stale && cell.HasSession() {
			failed = !cell.SendDirect(frame, 250*time.Millisecond)
		}

		if stale || failed {
			cell.Stop()
			h.cells.Delete(key)
			evicted = append(evicted, userID)
		}
		return true
	})
	return evicted
}

func (h *Hub) runEvictor() {
	ticker := time.NewTicker(h.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.performEviction()
		}
	}
}

func (h *Hub) performEviction() {
	reaped := 0
	h.cells.Range(func(key, value any) bool {
		if cell, ok := value.(Celler); ok {
			if cell.IsIdle(h.idleTimeout) {
				cell.Stop()
				h.cells.Delete(key)
				reaped++
			}
		}
		return true
	})
	if reaped > 0 && h.logger != nil {
		h.logger.Info("hub eviction swept idle cells", "count", reaped)
	}
}

func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.cells.Range(func(key, value any) bool {
		if cell, ok := value.(Celler); ok {
			cell.Stop()
		}
		return true
	})
}
