package types

import (
	"encoding/json"
	"time"
)

// Event names exchanged between client and collaboration server.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventCursorPosition  = "cursor_position"
	EventObjectTransform = "object_transform"
	EventObjectSelect    = "object_select"
	EventObjectDeselect  = "object_deselect"
	EventObjectAdd       = "object_add"
	EventObjectRemove    = "object_remove"
	EventCameraChange    = "camera_change"
	EventChatMessage     = "chat_message"
	EventSyncRequest     = "sync_request"
	EventSyncResponse    = "sync_response"
	EventError           = "error"
)

const (
	ChatTypeSystem  = "system"
	ChatTypeMessage = "message"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is one member of a room as mirrored from server broadcasts.
// The server is authoritative for membership; cursor and selection fields
// are last-write-wins per field.
type Participant struct {
	UserId           string          `json:"user_id"`
	Username         string          `json:"username"`
	Color            string          `json:"color"`
	CursorPosition   *CursorPosition `json:"cursor_position,omitempty"`
	SelectedObjectId string          `json:"selected_object_id,omitempty"`
}

type ChatMessage struct {
	Id        string    `json:"id"`
	Type      string    `json:"type"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username"`
	Color     string    `json:"color"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the uniform outbound message shape: sender identity, room and
// timestamp wrap an event-specific payload. The server stamps identity from
// the handshake before relaying, so receivers can trust the sender fields.
type Envelope struct {
	UserId    string          `json:"user_id"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	RoomId    string          `json:"room_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type CameraPose struct {
	Position [3]float64 `json:"position"`
	Target   [3]float64 `json:"target"`
	Zoom     float64    `json:"zoom,omitempty"`
}

type ObjectSelection struct {
	ObjectId string `json:"object_id"`
}

type ObjectTransform struct {
	ObjectId string     `json:"object_id"`
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"`
	Scale    [3]float64 `json:"scale"`
}

// SceneObject describes an object added to or removed from the shared scene.
type SceneObject struct {
	ObjectId string         `json:"object_id"`
	Kind     string         `json:"kind,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
