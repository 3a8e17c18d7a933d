package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	// Durable events, appended to the pad stream.
	EventSceneUpdate     EventType = "scene_update"
	EventAppStateUpdate  EventType = "appstate_update"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventForceDisconnect EventType = "force_disconnect"

	// Ephemeral, pointer channel only.
	EventPointerUpdate EventType = "pointer_update"

	// Server to client only, never republished.
	EventConnected EventType = "connected"
	EventError     EventType = "error"
)

// Durable reports whether an event belongs on the pad's durable stream as
// opposed to the fire-and-forget pointer channel.
func (t EventType) Durable() bool {
	return t != EventPointerUpdate && t != EventConnected && t != EventError
}

// Event is the envelope transported over the bus and the WebSocket. The
// pad_id, user_id, connection_id and timestamp fields are server
// authoritative: the hub overwrites them on ingress regardless of what the
// client sent.
type Event struct {
	Type         EventType       `json:"type"`
	PadID        string          `json:"pad_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Timestamp renders t the way the wire expects it: ISO-8601, UTC, trailing Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StreamFields flattens the envelope into the field-value map appended to
// the durable stream. The data payload travels as a nested JSON string.
func (e *Event) StreamFields() map[string]any {
	fields := map[string]any{
		"type":   string(e.Type),
		"pad_id": e.PadID,
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.ConnectionID != "" {
		fields["connection_id"] = e.ConnectionID
	}
	if e.Timestamp != "" {
		fields["timestamp"] = e.Timestamp
	}
	if len(e.Data) > 0 {
		fields["data"] = string(e.Data)
	}
	return fields
}

// EventFromStream rebuilds an envelope from durable stream entry values.
func EventFromStream(values map[string]any) (*Event, error) {
	get := func(key string) string {
		if v, ok := values[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	typ := get("type")
	if typ == "" {
		return nil, fmt.Errorf("stream entry missing type field")
	}

	ev := &Event{
		Type:         EventType(typ),
		PadID:        get("pad_id"),
		UserID:       get("user_id"),
		ConnectionID: get("connection_id"),
		Timestamp:    get("timestamp"),
	}
	if data := get("data"); data != "" {
		ev.Data = json.RawMessage(data)
	}
	return ev, nil
}

// SceneUpdateData is the payload of a scene_update: a partial or whole
// elements list plus the files map. Both regions are optional.
type SceneUpdateData struct {
	Elements []Element                  `json:"elements,omitempty"`
	Files    map[string]json.RawMessage `json:"files,omitempty"`
}

// AppStateUpdateData carries one user's private view state. The sender owns
// the slot; the payload is opaque to the server.
type AppStateUpdateData struct {
	AppState json.RawMessage `json:"appState"`
}

// PointerUpdateData is the ephemeral cursor payload.
type PointerUpdateData struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Tool   string  `json:"tool,omitempty"`
	Button string  `json:"button,omitempty"`
}

// ConnectedData is sent to a freshly registered client.
type ConnectedData struct {
	Users []PresenceEntry `json:"users"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}
