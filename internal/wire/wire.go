// Package wire defines the frames exchanged over the control channel
// between the panel, remote agents, and UI subscribers. Everything on the
// wire is a Frame; the Event field selects the payload type carried in Data.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped on incompatible frame or payload changes.
// The hub refuses handshakes from agents speaking a different version.
const ProtocolVersion = 1

// Logical sub-channels. Agent traffic never mixes with browser traffic.
const (
	ChannelAgent = "agent"
	ChannelUI    = "ui"
)

// Events initiated by the panel toward an agent. Each one is acknowledged.
const (
	EventStart         = "server:start"
	EventStop          = "server:stop"
	EventKill          = "server:kill"
	EventCommand       = "server:command"
	EventFixCapability = "capability:fix"
	EventFileManifest  = "file:manifest"
	EventFileChunk     = "file:chunk"
	EventFileEnd       = "file:end"
)

// Events initiated by an agent (or the local orchestrator) toward observers.
const (
	EventHandshake    = "handshake"
	EventCapabilities = "capabilities"
	EventHeartbeat    = "heartbeat"
	EventStats        = "server:stats"
	EventLog          = "server:log"
	EventLogBatch     = "server:log-batch"
	EventClosed       = "server:closed"
	EventStatus       = "server:status"
	EventSync         = "sync"
	EventAck          = "ack"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
)

// Ack error codes, used by callers to distinguish rejection classes.
const (
	CodeValidation     = "validation"
	CodeDenied         = "denied"
	CodeCapacity       = "capacity"
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodePath           = "path"
	CodeInternal       = "internal"
)

// Frame is the unit of transfer on the control channel. ID is set when the
// sender wants a per-call acknowledgement; the receiver answers with an
// EventAck frame whose Ack.ID matches.
type Frame struct {
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	ID       string          `json:"id,omitempty"`
	ServerID string          `json:"server_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ErrorInfo is the structured error carried in a failed acknowledgement.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Ack answers a frame that carried an ID.
type Ack struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error *ErrorInfo      `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals v into a frame on the given channel.
func NewFrame(channel, event, serverID string, v any) (Frame, error) {
	f := Frame{Channel: channel, Event: event, ServerID: serverID}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = b
	}
	return f, nil
}

// NewCall is NewFrame plus a fresh correlation ID for an acknowledged call.
func NewCall(channel, event, serverID string, v any) (Frame, error) {
	f, err := NewFrame(channel, event, serverID, v)
	if err != nil {
		return Frame{}, err
	}
	f.ID = uuid.NewString()
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// AckOK builds a successful acknowledgement frame for the given call.
func AckOK(call Frame, v any) (Frame, error) {
	ack := Ack{ID: call.ID, OK: true}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Frame{}, err
		}
		ack.Data = b
	}
	return NewFrame(call.Channel, EventAck, call.ServerID, ack)
}

// AckErr builds a failed acknowledgement frame for the given call.
func AckErr(call Frame, code, msg string) Frame {
	ack := Ack{ID: call.ID, OK: false, Error: &ErrorInfo{Code: code, Message: msg}}
	b, _ := json.Marshal(ack)
	return Frame{Channel: call.Channel, Event: EventAck, ServerID: call.ServerID, Data: b}
}
