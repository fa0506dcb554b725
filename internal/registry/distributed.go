package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/webitel/notification-fabric/internal/apperr"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/model"
)

// ConnectionRegistry is the coordinator-resident mapping from user id to
// owning instance, stored as the hash at config.ConnectionsHashKey.
type ConnectionRegistry struct {
	coord      coordinator.Coordinator
	hashKey    string
	instanceID string
	logger     *slog.Logger
}

func NewConnectionRegistry(coord coordinator.Coordinator, hashKey, instanceID string, logger *slog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{coord: coord, hashKey: hashKey, instanceID: instanceID, logger: logger}
}

type registryValue struct {
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
	UserID      string    `json:"user_id"`
}

// Write records that this instance now owns userID's session.
func (r *ConnectionRegistry) Write(ctx context.Context, userID string) error {
	v := registryValue{InstanceID: r.instanceID, ConnectedAt: time.Now().UTC(), UserID: userID}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.coord.HSet(ctx, r.hashKey, userID, string(data))
}

// Delete removes userID's registry entry unconditionally. Idempotent.
func (r *ConnectionRegistry) Delete(ctx context.Context, userID string) error {
	return r.coord.HDel(ctx, r.hashKey, userID)
}

// Lookup returns the owning instance for userID. A malformed stored value
// is deleted and (nil, false, nil) is returned so the caller can fall
// through to enqueueing, per spec.md 4.1's send_distributed contract.
func (r *ConnectionRegistry) Lookup(ctx context.Context, userID string) (*model.RegistryEntry, bool, error) {
	raw, ok, err := r.coord.HGet(ctx, r.hashKey, userID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var v registryValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		if r.logger != nil {
			r.logger.Warn("malformed registry entry, deleting", "user_id", userID, "error", err)
		}
		_ = r.coord.HDel(ctx, r.hashKey, userID)
		return nil, false, nil
	}
	if strings.TrimSpace(v.InstanceID) == "" {
		_ = r.coord.HDel(ctx, r.hashKey, userID)
		return nil, false, nil
	}
	return &model.RegistryEntry{InstanceID: v.InstanceID, ConnectedAt: v.ConnectedAt}, true, nil
}

// DistributedCounts returns the number of registry entries grouped by
// owning instance, for /stats/distributed.
func (r *ConnectionRegistry) DistributedCounts(ctx context.Context) (map[string]int, error) {
	all, err := r.coord.HGetAll(ctx, r.hashKey)
	if err != nil {
		return nil, apperr.ErrCoordinatorUnavailable
	}
	out := make(map[string]int)
	for _, raw := range all {
		var v registryValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out[v.InstanceID]++
	}
	return out, nil
}

// Sweep removes entries older than horizon or that fail to parse, healing
// the eventual-consistency drift spec.md §3/§4.6 allow.
func (r *ConnectionRegistry) Sweep(ctx context.Context, horizon time.Duration) (int, error) {
	all, err := r.coord.HGetAll(ctx, r.hashKey)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for userID, raw := range all {
		var v registryValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			_ = r.coord.HDel(ctx, r.hashKey, userID)
			removed++
			continue
		}
		if now.Sub(v.ConnectedAt) > horizon {
			_ = r.coord.HDel(ctx, r.hashKey, userID)
			removed++
		}
	}
	return removed, nil
}

// DeleteAllForInstance removes every entry owned by instanceID, used during
// graceful shutdown.
func (r *ConnectionRegistry) DeleteAllForInstance(ctx context.Context, instanceID string) (int, error) {
	all, err := r.coord.HGetAll(ctx, r.hashKey)
	if err != nil {
		return 0, err
	}
	removed := 0
	for userID, raw := range all {
		var v registryValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		if v.InstanceID == instanceID {
			_ = r.coord.HDel(ctx, r.hashKey, userID)
			removed++
		}
	}
	return removed, nil
}
