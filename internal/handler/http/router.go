// Package http implements the producer/ops HTTP surface (spec.md §4.8):
// notify endpoints, health, stats and the debug pending-queue inspector.
// The teacher depends on go-chi/chi/v5 without shipping a retrievable
// handler source in the pack, so this router is built directly from the
// chi idiom against spec.md §6's endpoint table.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/engine"
	"github.com/webitel/notification-fabric/internal/model"
)

type Router struct {
	logger *slog.Logger
	eng    *engine.Engine
	cfg    *config.Config
	coord  coordinator.Coordinator
}

func NewRouter(logger *slog.Logger, eng *engine.Engine, cfg *config.Config, coord coordinator.Coordinator) *chi.Mux {
	rt := &Router{logger: logger, eng: eng, cfg: cfg, coord: coord}

	r := chi.NewRouter()
	r.Post("/notify/stream/{user_id}", rt.notifyStream)
	r.Post("/notify/direct/{user_id}", rt.notifyDirect)
	r.Get("/health", rt.health)
	r.Get("/stats", rt.stats)
	r.Get("/stats/distributed", rt.statsDistributed)
	if cfg.EnableDebug {
		r.Get("/debug/pending/{user_id}", rt.debugPending)
	}
	return r
}

type notifyRequest struct {
	Message any    `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (rt *Router) decodeNotify(w http.ResponseWriter, r *http.Request) (string, notifyRequest, bool) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return "", notifyRequest{}, false
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", notifyRequest{}, false
	}
	if req.Type == "" {
		req.Type = "notification"
	}

	encoded, err := json.Marshal(req.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, "message not serializable")
		return "", notifyRequest{}, false
	}
	if int64(len(encoded)) > rt.cfg.MaxMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return "", notifyRequest{}, false
	}

	return userID, req, true
}

func (rt *Router) notifyStream(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := rt.decodeNotify(w, r)
	if !ok {
		return
	}

	messageJSON, _ := json.Marshal(req.Message)
	notificationID := uuid.New()

	streamID, err := rt.coord.XAdd(r.Context(), config.StreamName, map[string]any{
		"user_id":         userID,
		"message":         string(messageJSON),
		"type":            req.Type,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"notification_id": notificationID.String(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "coordinator unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"stream_id": streamID, "notification_id": notificationID})
}

func (rt *Router) notifyDirect(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := rt.decodeNotify(w, r)
	if !ok {
		return
	}

	env := model.Envelope{
		NotificationID: uuid.New(),
		UserID:         userID,
		Type:           req.Type,
		Message:        req.Message,
		Timestamp:      time.Now().UTC(),
	}

	delivered, method := rt.eng.SendDistributedDetailed(r.Context(), userID, env)
	if delivered {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"delivery_method": method,
			"notification_id": env.NotificationID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         false,
		"message":         "stored as pending",
		"notification_id": env.NotificationID,
	})
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]any{}

	if err := rt.coord.Ping(ctx); err != nil {
		status = "degraded"
		checks["coordinator"] = err.Error()
	} else {
		checks["coordinator"] = "ok"
	}

	if length, err := rt.coord.XLen(ctx, config.StreamName); err == nil {
		checks["stream_length"] = length
	} else {
		status = "degraded"
	}

	if lag, err := rt.coord.XGroupLag(ctx, config.StreamName, config.ConsumerGroup); err == nil {
		checks["consumer_group_lag"] = lag
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status, "checks": checks})
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.eng.Stats())
}

func (rt *Router) statsDistributed(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.eng.DistributedStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "coordinator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) debugPending(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	entries, err := rt.eng.Store.Raw(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "coordinator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
