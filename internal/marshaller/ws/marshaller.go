// Package wsmarshaller implements the tagged-union wire format between the
// fabric and a connected client, adapted from the teacher's WSEvent
// wrapper (internal/handler/marshaller/ws/marshaller.go) for this spec's
// {type: notification|heartbeat|pong, ...} envelope instead of a gRPC-
// flavored event switch.
package wsmarshaller

import (
	"encoding/json"
	"time"

	"github.com/webitel/notification-fabric/internal/model"
)

// Encode serializes a server-to-client frame.
func Encode(frame *model.Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// ClientFrame is the free-form shape accepted from a connected client; only
// Type is interpreted (a "ping" elicits a pong), the rest is ignored.
type ClientFrame struct {
	Type string `json:"type"`
}

// DecodeClient parses an inbound client frame. A parse failure is not
// fatal: client frames are free-form per spec.md §6, so an undecodable
// frame is treated as a non-ping activity signal rather than an error.
func DecodeClient(data []byte) ClientFrame {
	var cf ClientFrame
	_ = json.Unmarshal(data, &cf)
	return cf
}

// Pong builds the {type: "pong", timestamp, instance_id} reply frame. It
// is routed through the session's single-writer mailbox like every other
// outbound frame (Design Notes §9), never written to the socket directly.
func Pong(instanceID string, ts time.Time) *model.Frame {
	return &model.Frame{Type: model.FrameTypePong, Timestamp: ts, InstanceID: instanceID}
}
