package common

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FrameType the kind of message exchanged between the hub and its clients
type FrameType string

const (
	// FrameHandshake server -> client, acknowledges a new connection
	FrameHandshake FrameType = "handshake"
	// FrameEvent server -> client, one broadcast event
	FrameEvent FrameType = "event"
	// FrameHeartbeat server -> client, application level liveness probe
	FrameHeartbeat FrameType = "heartbeat"
	// FrameHeartbeatAck client -> server, answer to FrameHeartbeat
	FrameHeartbeatAck FrameType = "heartbeat_ack"
	// FrameEmit client -> server, request the hub to broadcast one event
	FrameEmit FrameType = "emit"
	// FrameBatch client -> server, request the hub to broadcast several events
	FrameBatch FrameType = "batch"
	// FrameJoin client -> server, join additional namespaces
	FrameJoin FrameType = "join"
	// FrameLeave client -> server, leave namespaces
	FrameLeave FrameType = "leave"
	// FrameError server -> client, a client frame was rejected
	FrameError FrameType = "error"
)

// Frame one message exchanged between the hub and its clients
type Frame struct {
	// Type is the frame kind
	Type FrameType `json:"type" validate:"required"`
	// ID is the connection ID on handshake, or the heartbeat ID on heartbeat frames
	ID string `json:"id,omitempty"`
	// Namespace is the broadcast namespace of an event
	Namespace string `json:"namespace,omitempty"`
	// Event is the event name within the namespace
	Event string `json:"event,omitempty"`
	// Data is the event payload
	Data interface{} `json:"data,omitempty"`
	// Sequence is the hub assigned sequence of an event
	Sequence uint64 `json:"sequence,omitempty"`
	// Timestamp is when the hub accepted the event
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Replay marks events delivered from the history buffer
	Replay bool `json:"replay,omitempty"`
	// Namespaces is the namespace list of handshake / join / leave frames
	Namespaces []string `json:"namespaces,omitempty"`
	// Frames are the nested emit frames of a batch
	Frames []Frame `json:"frames,omitempty"`
	// Keepalive is the keepalive parameters announced on handshake
	Keepalive *KeepaliveParams `json:"keepalive,omitempty"`
	// Message is a human readable error on error frames
	Message string `json:"message,omitempty"`
}

// KeepaliveParams keepalive parameters a client should honor
type KeepaliveParams struct {
	PingInterval      time.Duration `json:"ping_interval"`
	PongTimeout       time.Duration `json:"pong_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
}

// EncodeFrame serialize a frame for transmission
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(&f)
}

// DecodeFrame parse one received frame
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// String helper for logging
func (f Frame) String() string {
	switch f.Type {
	case FrameEvent, FrameEmit:
		return fmt.Sprintf("%s[%s:%s #%d]", f.Type, f.Namespace, f.Event, f.Sequence)
	case FrameBatch:
		return fmt.Sprintf("%s[%d]", f.Type, len(f.Frames))
	default:
		return fmt.Sprintf("%s[%s]", f.Type, f.ID)
	}
}
