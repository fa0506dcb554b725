// Package engine wires the Connection Registry, Local Session Table,
// Pending Store and Instance Fan-Out Bus into the single injected value
// every transport handler and background loop calls through — replacing
// the original implementation's two module-level mutable globals with one
// Engine instance, per Design Notes §9.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/apperr"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/fanout"
	"github.com/webitel/notification-fabric/internal/metrics"
	"github.com/webitel/notification-fabric/internal/model"
	"github.com/webitel/notification-fabric/internal/pending"
	"github.com/webitel/notification-fabric/internal/registry"
)

const defaultMailboxSize = 256

type Engine struct {
	Cfg    *config.Config
	Coord  coordinator.Coordinator
	Hub    *registry.Hub
	Dreg   *registry.ConnectionRegistry
	Store  *pending.Store
	Bus    *fanout.Bus
	Mx     *metrics.Metrics
	Logger *slog.Logger
}

func New(cfg *config.Config, coord coordinator.Coordinator, hub *registry.Hub, dreg *registry.ConnectionRegistry, store *pending.Store, bus *fanout.Bus, mx *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{Cfg: cfg, Coord: coord, Hub: hub, Dreg: dreg, Store: store, Bus: bus, Mx: mx, Logger: logger}
}

// Connect accepts a new local session for userID: registers it locally,
// writes the distributed registry entry, and best-effort flushes any
// pending notifications. On any failure the handshake is aborted and no
// partial state is left behind.
func (e *Engine) Connect(ctx context.Context, userID string) (registry.Connector, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.ErrInvalidInput
	}

	conn := registry.NewConnector(ctx, userID, defaultMailboxSize)
	e.Hub.Register(conn)

	if err := e.Dreg.Write(ctx, userID); err != nil {
		e.Hub.Unregister(userID, conn.GetID())
		conn.Close()
		return nil, apperr.ErrCoordinatorUnavailable
	}

	e.Store.FlushOnConnect(ctx, userID, e.pushFrame)

	return conn, nil
}

// Disconnect removes userID's local session and registry entry. It is
// idempotent and never returns an error: calling it twice for the same
// user/connection observably matches calling it once.
func (e *Engine) Disconnect(ctx context.Context, userID string, connID uuid.UUID) {
	e.Hub.Unregister(userID, connID)
	if err := e.Dreg.Delete(ctx, userID); err != nil && e.Logger != nil {
		e.Logger.Warn("disconnect: registry delete failed", "user_id", userID, "error", err)
	}
}

// pushFrame satisfies pending.LocalDeliver: the Pending Store builds the
// full frame (with is_pending/original_timestamp) and this just hands it
// to the Hub.
func (e *Engine) pushFrame(userID string, frame *model.Frame) bool {
	return e.Hub.Push(userID, frame)
}

// SendLocal pushes message to userID's local mailbox if one exists,
// returning false (without error) when there is no local session or the
// mailbox is saturated. It satisfies fanout.LocalDeliver.
func (e *Engine) SendLocal(userID string, message any) bool {
	frame := &model.Frame{
		Type: model.FrameTypeNotification,
		Envelope: &model.Envelope{
			NotificationID: uuid.New(),
			UserID:         userID,
			Type:           "notification",
			Message:        message,
			Timestamp:      time.Now().UTC(),
		},
	}
	return e.Hub.Push(userID, frame)
}

// SendDistributed implements spec.md §4.1's send_distributed: local first,
// then fan-out to the owning instance, then enqueue to Pending.
func (e *Engine) SendDistributed(ctx context.Context, userID string, env model.Envelope) bool {
	ok, _ := e.SendDistributedDetailed(ctx, userID, env)
	return ok
}

// SendDistributedDetailed is SendDistributed plus the delivery method taken,
// for producer endpoints that report it (S1/S2's
// delivery_method:"direct_websocket"/"fanout").
func (e *Engine) SendDistributedDetailed(ctx context.Context, userID string, env model.Envelope) (bool, string) {
	if e.sendEnvelopeLocal(userID, env) {
		return true, "direct_websocket"
	}

	entry, ok, err := e.Dreg.Lookup(ctx, userID)
	if err != nil {
		e.enqueue(ctx, userID, env)
		return false, "pending"
	}
	if ok && entry.InstanceID != e.Cfg.InstanceID {
		if pubErr := e.Bus.Publish(ctx, entry.InstanceID, userID, env.Message); pubErr == nil {
			return true, "fanout"
		}
	}

	e.enqueue(ctx, userID, env)
	return false, "pending"
}

func (e *Engine) sendEnvelopeLocal(userID string, env model.Envelope) bool {
	frame := &model.Frame{
		Type:     model.FrameTypeNotification,
		Envelope: &env,
	}
	return e.Hub.Push(userID, frame)
}

func (e *Engine) enqueue(ctx context.Context, userID string, env model.Envelope) {
	if err := e.Store.Enqueue(ctx, userID, env); err != nil && e.Logger != nil {
		e.Logger.Warn("send_distributed: enqueue failed", "user_id", userID, "error", err)
	}
}

// Stats returns this instance's local session count.
func (e *Engine) Stats() model.HubStats {
	return model.HubStats{InstanceID: e.Cfg.InstanceID, ConnectedLocally: e.Hub.Count()}
}

// DistributedStats aggregates session counts across all instances plus
// pending/DLQ depth, for GET /stats/distributed.
func (e *Engine) DistributedStats(ctx context.Context) (model.DistributedStats, error) {
	byInstance, err := e.Dreg.DistributedCounts(ctx)
	if err != nil {
		return model.DistributedStats{}, err
	}
	total := 0
	for _, n := range byInstance {
		total += n
	}

	pendingUsers, _ := e.Store.PendingUserCount(ctx)
	dlq, _ := e.Store.DeadLetterDepth(ctx)

	return model.DistributedStats{
		TotalConnected:  total,
		ByInstance:      byInstance,
		PendingUsers:    int(pendingUsers),
		DeadLetterDepth: dlq,
	}, nil
}
