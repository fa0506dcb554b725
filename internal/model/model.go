// Package model holds the wire and storage types that flow through the
// notification fabric. Nothing in this package talks to Redis or the
// network directly; it only describes shapes.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is a notification addressed to a single user, as parsed off the
// Ingestion Log and pushed down a WebSocket session. The Pending Store
// persists it as a PendingEntry and the Instance Fan-Out Bus carries its
// message inside a FanoutEnvelope.
type Envelope struct {
	NotificationID    uuid.UUID  `json:"notification_id"`
	UserID            string     `json:"user_id"`
	Type              string     `json:"type"`
	Message           any        `json:"message"`
	Timestamp         time.Time  `json:"timestamp"`
	IsPending         bool       `json:"is_pending,omitempty"`
	OriginalTimestamp *time.Time `json:"original_timestamp,omitempty"`
}

// PendingEntry is the JSON shape stored as a sorted-set member in the
// Pending Store, one per undelivered notification per user.
type PendingEntry struct {
	NotificationID uuid.UUID `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Message        any       `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
}

// RegistryEntry is the owner of a user's session as read back from the
// distributed connection registry hash, keyed by user id. The stored hash
// value also carries user_id, which RegistryEntry does not keep.
type RegistryEntry struct {
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// FanoutEnvelope travels over the per-instance pub/sub channel so that the
// instance owning a user's local session can deliver a notification that
// arrived on a different instance.
type FanoutEnvelope struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	Message        any    `json:"message"`
	SourceInstance string `json:"source_instance"`
}

// Frame types sent down the wire to a connected client. Every frame the
// client receives carries a mandatory Type discriminator.
const (
	FrameTypeNotification = "notification"
	FrameTypeHeartbeat    = "heartbeat"
	FrameTypePong         = "pong"
)

// Frame is the tagged-union shape written to a WebSocket session. Its wire
// form is flat per spec.md §6: a notification frame's Envelope fields are
// hoisted to the top level alongside "type", not nested under an
// "envelope" key, and a heartbeat frame carries "timestamp"/"instance_id"
// directly. MarshalJSON shapes each case; the struct fields below are for
// construction and in-process field access only.
type Frame struct {
	Type       string
	Envelope   *Envelope
	Timestamp  time.Time
	InstanceID string
}

// MarshalJSON flattens Frame per its Type so the wire shape matches
// spec.md §6 exactly: {"type":"notification", ...envelope fields...} or
// {"type":"heartbeat"|"pong","timestamp":...,"instance_id":...}.
func (f *Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameTypeNotification:
		if f.Envelope == nil {
			return json.Marshal(struct {
				Type string `json:"type"`
			}{f.Type})
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			*Envelope
		}{f.Type, f.Envelope})
	case FrameTypeHeartbeat, FrameTypePong:
		return json.Marshal(struct {
			Type       string    `json:"type"`
			Timestamp  time.Time `json:"timestamp"`
			InstanceID string    `json:"instance_id"`
		}{f.Type, f.Timestamp, f.InstanceID})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{f.Type})
	}
}

// HubStats describes this instance's local session table for the /stats
// endpoint.
type HubStats struct {
	InstanceID       string `json:"instance_id"`
	ConnectedLocally int    `json:"connected_locally"`
}

// DistributedStats describes the whole fabric for /stats/distributed.
type DistributedStats struct {
	TotalConnected  int            `json:"total_connected"`
	ByInstance      map[string]int `json:"by_instance"`
	PendingUsers    int            `json:"pending_users"`
	DeadLetterDepth int64          `json:"dead_letter_depth"`
}
