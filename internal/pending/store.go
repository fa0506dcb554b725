// Package pending implements the durable, bounded, time-bounded per-user
// offline queue (spec.md §4.2): a sorted set per user, an index set of
// users with non-empty queues, and a dead-letter list, all coordinator
// resident.
package pending

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/coordinator"
	"github.com/webitel/notification-fabric/internal/metrics"
	"github.com/webitel/notification-fabric/internal/model"
)

// LocalDeliver attempts to hand a frame to a user's local session, exactly
// as the Local Session Table's Push does. DistributedDeliver attempts
// send_distributed semantics (local-or-fanout-or-reenqueue).
type LocalDeliver func(userID string, frame *model.Frame) bool
type DistributedDeliver func(ctx context.Context, userID string, env model.Envelope) bool

type Store struct {
	coord  coordinator.Coordinator
	cfg    *config.Config
	logger *slog.Logger
	mx     *metrics.Metrics
}

func NewStore(coord coordinator.Coordinator, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *Store {
	return &Store{coord: coord, cfg: cfg, logger: logger, mx: mx}
}

func (s *Store) key(userID string) string { return s.cfg.PendingChannelKey(userID) }

// Enqueue stores env for later delivery to userID, trimming the queue from
// the oldest end so at most MaxPendingMessages entries survive (spec.md
// §3/§8: "oldest trimmed, keep newest N" — see DESIGN.md's Open Question
// decision 3 for why this is taken literally over the original source's
// apparent opposite rank math).
func (s *Store) Enqueue(ctx context.Context, userID string, env model.Envelope) error {
	entry := model.PendingEntry{
		NotificationID: env.NotificationID,
		UserID:         userID,
		Message:        env.Message,
		Timestamp:      env.Timestamp,
		Attempts:       0,
		MaxAttempts:    config.DefaultMaxAttempts,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := s.key(userID)
	if err := s.coord.ZAdd(ctx, key, float64(entry.Timestamp.Unix()), string(raw)); err != nil {
		if s.logger != nil {
			s.logger.Warn("pending enqueue failed", "user_id", userID, "error", err)
		}
		return nil
	}
	_ = s.coord.Expire(ctx, key, s.cfg.MessageTTL)
	_ = s.coord.SAdd(ctx, config.PendingUsersIndexKey, userID)

	if card, err := s.coord.ZCard(ctx, key); err == nil && card > int64(s.cfg.MaxPendingMessages) {
		_ = s.coord.ZRemRangeByRank(ctx, key, 0, card-int64(s.cfg.MaxPendingMessages)-1)
	}

	if s.mx != nil {
		s.mx.PendingEnqueued.Add(ctx, 1)
	}
	return nil
}

// FlushOnConnect delivers userID's queue in enqueue order to a freshly
// connected local session, stopping at the first delivery failure so
// per-user FIFO order is preserved for that connection. Delivered entries
// are tagged is_pending=true with the original enqueue timestamp.
func (s *Store) FlushOnConnect(ctx context.Context, userID string, deliver LocalDeliver) {
	key := s.key(userID)
	members, err := s.coord.ZRangeWithScores(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("pending flush read failed", "user_id", userID, "error", err)
		}
		return
	}

	for _, m := range members {
		var entry model.PendingEntry
		if err := json.Unmarshal([]byte(m.Member), &entry); err != nil {
			_ = s.coord.ZRem(ctx, key, m.Member)
			continue
		}

		original := entry.Timestamp
		frame := &model.Frame{
			Type: model.FrameTypeNotification,
			Envelope: &model.Envelope{
				NotificationID:    entry.NotificationID,
				UserID:            userID,
				Type:              "notification",
				Message:           entry.Message,
				Timestamp:         time.Now().UTC(),
				IsPending:         true,
				OriginalTimestamp: &original,
			},
		}

		if !deliver(userID, frame) {
			return
		}
		_ = s.coord.ZRem(ctx, key, m.Member)
	}

	if card, err := s.coord.ZCard(ctx, key); err == nil && card == 0 {
		_ = s.coord.SRem(ctx, config.PendingUsersIndexKey, userID)
	}
}

// RetryUser walks userID's queue attempting distributed delivery of each
// entry. On success the entry is removed. On failure its attempts counter
// is incremented; once attempts reaches max_attempts the entry moves to
// the dead letter list, otherwise it is rewritten preserving its original
// score (spec.md §4.2: "replace the entry preserving its score" — taken
// literally, see DESIGN.md Open Question decision 3).
func (s *Store) RetryUser(ctx context.Context, userID string, deliver DistributedDeliver) {
	key := s.key(userID)
	members, err := s.coord.ZRangeWithScores(ctx, key)
	if err != nil {
		return
	}

	for _, m := range members {
		var entry model.PendingEntry
		if err := json.Unmarshal([]byte(m.Member), &entry); err != nil {
			_ = s.coord.ZRem(ctx, key, m.Member)
			continue
		}

		env := model.Envelope{
			NotificationID: entry.NotificationID,
			UserID:         userID,
			Type:           "notification",
			Message:        entry.Message,
			Timestamp:      entry.Timestamp,
		}

		if deliver(ctx, userID, env) {
			_ = s.coord.ZRem(ctx, key, m.Member)
			if s.mx != nil {
				s.mx.RetrySucceeded.Add(ctx, 1)
			}
			continue
		}

		entry.Attempts++
		if s.mx != nil {
			s.mx.RetryFailed.Add(ctx, 1)
		}

		if entry.Attempts >= entry.MaxAttempts {
			_ = s.coord.ZRem(ctx, key, m.Member)
			if raw, err := json.Marshal(entry); err == nil {
				_ = s.coord.RPush(ctx, config.DeadLetterKey, string(raw))
				if s.mx != nil {
					s.mx.DeadLettered.Add(ctx, 1)
				}
			}
			continue
		}

		if raw, err := json.Marshal(entry); err == nil {
			_ = s.coord.ZRem(ctx, key, m.Member)
			_ = s.coord.ZAdd(ctx, key, m.Score, string(raw))
		}
	}

	if card, err := s.coord.ZCard(ctx, key); err == nil && card == 0 {
		_ = s.coord.SRem(ctx, config.PendingUsersIndexKey, userID)
	}
}

// PendingUsers lists the users with a non-empty pending queue.
func (s *Store) PendingUsers(ctx context.Context) ([]string, error) {
	return s.coord.SMembers(ctx, config.PendingUsersIndexKey)
}

// PendingUserCount is a cheap count for observability endpoints.
func (s *Store) PendingUserCount(ctx context.Context) (int64, error) {
	return s.coord.SCard(ctx, config.PendingUsersIndexKey)
}

// DeadLetterDepth reports the size of the dead letter sink.
func (s *Store) DeadLetterDepth(ctx context.Context) (int64, error) {
	return s.coord.LLen(ctx, config.DeadLetterKey)
}

// Raw returns the raw queue contents for userID, used by the debug
// endpoint.
func (s *Store) Raw(ctx context.Context, userID string) ([]model.PendingEntry, error) {
	members, err := s.coord.ZRangeWithScores(ctx, s.key(userID))
	if err != nil {
		return nil, err
	}
	out := make([]model.PendingEntry, 0, len(members))
	for _, m := range members {
		var entry model.PendingEntry
		if err := json.Unmarshal([]byte(m.Member), &entry); err == nil {
			out = append(out, entry)
		}
	}
	return out, nil
}
