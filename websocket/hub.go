package websocket

import (
	"sync"

	"github.com/gofiber/contrib/websocket"

	"collabspace/collab"
	"collabspace/metrics"
)

// Connection represents a WebSocket connection for a user collaborating in
// a workspace. One connection per (user, workspace).
type Connection struct {
	ID          string
	UserID      string
	WorkspaceID string
	Conn        *websocket.Conn
	Send        chan []byte
}

// Hub manages WebSocket connections and fans collaboration events out to
// workspace members. It is registered with the engine as an event sink.
type Hub struct {
	connections    map[string]*Connection
	workspaceUsers map[string]map[string]*Connection // workspaceID -> userID -> connection
	register       chan *Connection
	unregister     chan *Connection
	mu             sync.RWMutex
	done           chan struct{}
	closeOnce      sync.Once
}

// NewHub creates a new Hub instance for managing WebSocket connections.
func NewHub() *Hub {
	return &Hub{
		connections:    make(map[string]*Connection),
		workspaceUsers: make(map[string]map[string]*Connection),
		register:       make(chan *Connection),
		unregister:     make(chan *Connection),
		done:           make(chan struct{}),
	}
}

// Close gracefully shuts down the hub and releases underlying resources.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// RegisterConnection schedules a connection to be added to the hub.
func (h *Hub) RegisterConnection(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// UnregisterConnection schedules a connection to be removed from the hub.
func (h *Hub) UnregisterConnection(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Run starts the Hub's main event loop for managing connections.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.workspaceUsers[conn.WorkspaceID] == nil {
				h.workspaceUsers[conn.WorkspaceID] = make(map[string]*Connection)
			}
			// A reconnect for the same (user, workspace) replaces the old
			// connection; close its send channel so its writer exits.
			if old := h.workspaceUsers[conn.WorkspaceID][conn.UserID]; old != nil && old.ID != conn.ID {
				delete(h.connections, old.ID)
				close(old.Send)
			}
			h.workspaceUsers[conn.WorkspaceID][conn.UserID] = conn
			count := len(h.connections)
			h.mu.Unlock()
			metrics.UpdateWebSocketConnections(count)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, exists := h.connections[conn.ID]; exists {
				delete(h.connections, conn.ID)
				if wsConns, ok := h.workspaceUsers[conn.WorkspaceID]; ok {
					if wsConns[conn.UserID] == conn {
						delete(wsConns, conn.UserID)
					}
					if len(wsConns) == 0 {
						delete(h.workspaceUsers, conn.WorkspaceID)
					}
				}
				close(conn.Send)
			}
			count := len(h.connections)
			h.mu.Unlock()
			metrics.UpdateWebSocketConnections(count)
		}
	}
}

// Deliver implements collab.Sink: every engine event, local or remote, is
// serialized once and fanned out to the workspace's connections. A targeted
// event (terminal and debug output) reaches only the listed attachees.
// Cursor movement skips the author; everything else, including file
// changes, goes back to the author too so clients see the authoritative
// version.
func (h *Hub) Deliver(evt collab.Event) {
	data := encodeEvent(evt)
	if evt.Targets != nil {
		for _, userID := range evt.Targets {
			h.SendToUser(evt.WorkspaceID, userID, data)
		}
		return
	}
	excludeUserID := ""
	if evt.Type == collab.EventCursorMoved {
		excludeUserID = evt.UserID
	}
	h.broadcastToWorkspace(evt.WorkspaceID, data, excludeUserID)
}

// SendToUser delivers a direct frame to one user's connection in a
// workspace. Returns false if the user has no live connection.
func (h *Hub) SendToUser(workspaceID, userID string, data []byte) bool {
	h.mu.RLock()
	var conn *Connection
	if wsConns := h.workspaceUsers[workspaceID]; wsConns != nil {
		conn = wsConns[userID]
	}
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.trySend(data)
}

// trySend enqueues data on the connection, reporting false when the send
// buffer is full. A frame racing the hub's close of the channel is dropped
// and counts as sent; the connection is already being torn down.
func (c *Connection) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// IsActive reports whether conn is still the hub's registered connection
// for its (user, workspace). A replaced connection is no longer active even
// while its socket is open.
func (h *Hub) IsActive(conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	wsConns := h.workspaceUsers[conn.WorkspaceID]
	return wsConns != nil && wsConns[conn.UserID] == conn
}

// broadcastToWorkspace sends data to every user connected to the
// workspace, excluding excludeUserID when non-empty. A connection whose
// send buffer is full is dropped rather than blocking the fan-out.
func (h *Hub) broadcastToWorkspace(workspaceID string, data []byte, excludeUserID string) {
	h.mu.RLock()
	wsConns := h.workspaceUsers[workspaceID]
	targets := make([]*Connection, 0, len(wsConns))
	for userID, conn := range wsConns {
		if excludeUserID == "" || userID != excludeUserID {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	var stale []*Connection
	for _, conn := range targets {
		if !conn.trySend(data) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		h.mu.Lock()
		if _, exists := h.connections[conn.ID]; exists {
			delete(h.connections, conn.ID)
			if wsConns := h.workspaceUsers[conn.WorkspaceID]; wsConns != nil && wsConns[conn.UserID] == conn {
				delete(wsConns, conn.UserID)
				if len(wsConns) == 0 {
					delete(h.workspaceUsers, conn.WorkspaceID)
				}
			}
			close(conn.Send)
		}
		h.mu.Unlock()
	}
}

// ConnectedUsers returns the user ids currently connected to a workspace.
func (h *Hub) ConnectedUsers(workspaceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	wsConns := h.workspaceUsers[workspaceID]
	users := make([]string, 0, len(wsConns))
	for userID := range wsConns {
		users = append(users, userID)
	}
	return users
}
