package collab

import (
	"encoding/json"
	"time"
)

// Event type tags. These are both the intra-process broadcast tags and the
// cross-instance wire tags.
const (
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventUserUpdated    = "user_updated"
	EventCursorMoved    = "cursor_moved"
	EventFileChanged    = "file_changed"
	EventTerminalOutput = "terminal_output"
	EventDebugEvent     = "debug_event"
)

// Event is the envelope carried on the event bus and handed to local
// sinks. Payload is marshaled once at the point of mutation; consumers
// decode it according to Type. Origin identifies the producing server
// instance so a subscriber can recognize its own echo.
type Event struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	UserID      string          `json:"user_id,omitempty"`
	Origin      string          `json:"origin"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// Targets, when non-nil, narrows local fan-out to the listed users.
	// Terminal and debug output is scoped to attachees this way. Never
	// serialized to the bus; each instance scopes delivery from its own
	// attachment state.
	Targets []string `json:"-"`
}

// FileChangedPayload carries the transformed operation plus the resulting
// content snapshot and version so remote instances can converge without
// replaying the transform.
type FileChangedPayload struct {
	Op      Operation `json:"op"`
	Content string    `json:"content"`
	Version int64     `json:"version"`
}

// PresencePayload carries roster changes and status updates.
type PresencePayload struct {
	User User `json:"user"`
}

// CursorPayload carries cursor or selection movement.
type CursorPayload struct {
	UserID    string     `json:"user_id"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// TerminalOutputPayload carries one terminal history entry to attachees.
type TerminalOutputPayload struct {
	TerminalID string          `json:"terminal_id"`
	Message    TerminalMessage `json:"message"`
}

// DebugEventPayload fans a debug-adapter event out to attachees.
type DebugEventPayload struct {
	DebugID string      `json:"debug_id"`
	Status  DebugStatus `json:"status"`
	Event   DebugEvent  `json:"event"`
}

// newEvent builds an envelope with the payload marshaled in place. A
// payload that fails to marshal is a programming error; the envelope is
// still emitted with an empty payload so subscribers stay in sync on type.
func newEvent(eventType, workspaceID, userID, origin string, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		Type:        eventType,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Origin:      origin,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}
}
