package websocket

import (
	"encoding/json"
	"time"

	"collabspace/collab"
)

// InboundMessage is the envelope clients send over the socket. Type selects
// which of the optional fields are meaningful; unknown types are dropped.
type InboundMessage struct {
	Type string `json:"type"`

	// cursor_moved / selection_changed
	Cursor    *collab.Cursor    `json:"cursor,omitempty"`
	Selection *collab.Selection `json:"selection,omitempty"`

	// file_operation
	Operation *collab.Operation `json:"operation,omitempty"`

	// lock_request / lock_release
	File   string            `json:"file,omitempty"`
	Range  *collab.LineRange `json:"range,omitempty"`
	Kind   collab.LockKind   `json:"kind,omitempty"`
	LockID string            `json:"lock_id,omitempty"`

	// create_terminal / attach_terminal / terminal_input
	Terminal   *collab.TerminalSpec `json:"terminal,omitempty"`
	TerminalID string               `json:"terminal_id,omitempty"`
	Input      string               `json:"input,omitempty"`

	// create_debug_session / attach_debug / set_breakpoint
	Debug      *collab.DebugSpec  `json:"debug,omitempty"`
	DebugID    string             `json:"debug_id,omitempty"`
	Breakpoint *collab.Breakpoint `json:"breakpoint,omitempty"`
}

// Inbound message types.
const (
	MsgJoinWorkspace      = "join_workspace"
	MsgLeaveWorkspace     = "leave_workspace"
	MsgCursorMoved        = "cursor_moved"
	MsgSelectionChanged   = "selection_changed"
	MsgFileOperation      = "file_operation"
	MsgLockRequest        = "lock_request"
	MsgLockRelease        = "lock_release"
	MsgCreateTerminal     = "create_terminal"
	MsgAttachTerminal     = "attach_terminal"
	MsgTerminalInput      = "terminal_input"
	MsgCreateDebugSession = "create_debug_session"
	MsgAttachDebug        = "attach_debug"
	MsgSetBreakpoint      = "set_breakpoint"
	MsgPing               = "ping"
)

// Direct-reply message types. Broadcast types reuse the collab event tags
// (user_joined, file_changed, ...) verbatim.
const (
	MsgPong           = "pong"
	MsgError          = "error"
	MsgLockResult     = "lock_result"
	MsgWorkspaceState = "workspace_state"
	MsgTerminalState  = "terminal_state"
	MsgDebugState     = "debug_state"
)

// OutboundMessage is the envelope sent to clients, both for workspace
// broadcasts and for direct replies to the requesting connection.
type OutboundMessage struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// LockResultPayload reports the outcome of a lock request or release to
// the requesting connection only.
type LockResultPayload struct {
	Request string           `json:"request"` // "acquire" or "release"
	Granted bool             `json:"granted"`
	File    string           `json:"file,omitempty"`
	Lock    *collab.FileLock `json:"lock,omitempty"`
	LockID  string           `json:"lock_id,omitempty"`
}

// ErrorPayload carries a direct-reply failure description.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encodeOutbound(msgType, workspaceID, userID string, payload any) []byte {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(OutboundMessage{
		Type:        msgType,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	})
	return data
}

// encodeEvent converts a collab event into the client wire envelope. The
// bus-internal Origin field is dropped.
func encodeEvent(evt collab.Event) []byte {
	data, _ := json.Marshal(OutboundMessage{
		Type:        evt.Type,
		WorkspaceID: evt.WorkspaceID,
		UserID:      evt.UserID,
		Timestamp:   evt.Timestamp,
		Payload:     evt.Payload,
	})
	return data
}
