package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all monitor stream messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Monitor stream message types. The monitor is one-directional: observers
// only ever receive; anything they send is discarded.
const (
	TypeTraffic      = "bridge.traffic"
	TypeEvent        = "bridge.event"
	TypeDisconnected = "session.disconnected"
)

// Bridge event kinds carried in EventPayload.
const (
	EventConnected = "session.connected"
	EventRejected  = "session.rejected"
	EventRestarted = "interpreter.restarted"
)

// TrafficPayload mirrors one forwarded chunk. Data is binary-safe: it
// marshals as base64.
type TrafficPayload struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"` // "in" (client→interp) | "out"
	Data      []byte `json:"data"`
}

// EventPayload describes a connection lifecycle or interpreter event.
type EventPayload struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Proto     string `json:"proto,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// DisconnectedPayload carries the per-session throughput counters, the
// numbers used to compare the raw and RFC 2217 paths.
type DisconnectedPayload struct {
	SessionID string `json:"sessionId"`
	Proto     string `json:"proto"`
	BytesIn   uint64 `json:"bytesIn"`
	BytesOut  uint64 `json:"bytesOut"`
}

// Status is the GET /status response.
type Status struct {
	ActiveSession    string `json:"activeSession,omitempty"`
	ActiveProto      string `json:"activeProto,omitempty"`
	InterpreterAlive bool   `json:"interpreterAlive"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
}
