package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabspace/collab"
)

func signTestToken(t *testing.T, secret []byte, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func newTestConn(workspaceID, userID string) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Conn:        nil, // not needed when exercising the hub directly
		Send:        make(chan []byte, 256),
	}
}

// TestNewHub verifies that NewHub creates a properly initialized Hub
func TestNewHub(t *testing.T) {
	hub := NewHub()

	assert.NotNil(t, hub)
	assert.NotNil(t, hub.connections)
	assert.NotNil(t, hub.workspaceUsers)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
	assert.Equal(t, 0, len(hub.connections))
	assert.Equal(t, 0, len(hub.workspaceUsers))
}

// TestHubRegisterConnection tests registering a new connection
func TestHubRegisterConnection(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn := newTestConn("ws-1", "user-1")
	hub.RegisterConnection(conn)

	// Give the goroutine time to process
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	assert.Equal(t, 1, len(hub.connections))
	assert.Equal(t, 1, len(hub.workspaceUsers))
	require.NotNil(t, hub.workspaceUsers["ws-1"])
	assert.Equal(t, conn, hub.workspaceUsers["ws-1"]["user-1"])
	hub.mu.RUnlock()
}

// TestHubUnregisterConnection tests unregistering a connection
func TestHubUnregisterConnection(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn := newTestConn("ws-1", "user-1")

	hub.RegisterConnection(conn)
	time.Sleep(50 * time.Millisecond)

	hub.UnregisterConnection(conn)
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	assert.Equal(t, 0, len(hub.connections))
	assert.Equal(t, 0, len(hub.workspaceUsers))
	hub.mu.RUnlock()

	// The send channel is closed on unregister so the writer exits.
	_, open := <-conn.Send
	assert.False(t, open)
}

// TestHubReconnectReplacesConnection tests that a second connection for the
// same (user, workspace) replaces the first
func TestHubReconnectReplacesConnection(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	first := newTestConn("ws-1", "user-1")
	second := newTestConn("ws-1", "user-1")

	hub.RegisterConnection(first)
	hub.RegisterConnection(second)
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	assert.Equal(t, 1, len(hub.connections))
	assert.Equal(t, second, hub.workspaceUsers["ws-1"]["user-1"])
	hub.mu.RUnlock()

	_, open := <-first.Send
	assert.False(t, open)
}

// TestHubIsActiveAfterReconnect tests that only the latest connection for a
// (user, workspace) counts as active, so a stale socket closing after a
// reconnect cannot tear down the user's membership
func TestHubIsActiveAfterReconnect(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	first := newTestConn("ws-1", "user-1")
	second := newTestConn("ws-1", "user-1")

	hub.RegisterConnection(first)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, hub.IsActive(first))

	hub.RegisterConnection(second)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hub.IsActive(first))
	assert.True(t, hub.IsActive(second))

	// The replaced connection unregistering must not disturb the new one.
	hub.UnregisterConnection(first)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, hub.IsActive(second))
}

// TestHubMultipleWorkspaces tests users connected to different workspaces
func TestHubMultipleWorkspaces(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn1 := newTestConn("ws-1", "user-1")
	conn2 := newTestConn("ws-2", "user-2")

	hub.RegisterConnection(conn1)
	hub.RegisterConnection(conn2)
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	assert.Equal(t, 2, len(hub.connections))
	assert.Equal(t, 2, len(hub.workspaceUsers))
	assert.Equal(t, 1, len(hub.workspaceUsers["ws-1"]))
	assert.Equal(t, 1, len(hub.workspaceUsers["ws-2"]))
	hub.mu.RUnlock()
}

// TestConnectedUsers tests retrieving connected users for a workspace
func TestConnectedUsers(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	hub.RegisterConnection(newTestConn("ws-1", "user-1"))
	hub.RegisterConnection(newTestConn("ws-1", "user-2"))
	time.Sleep(50 * time.Millisecond)

	users := hub.ConnectedUsers("ws-1")
	assert.Equal(t, 2, len(users))
	assert.Contains(t, users, "user-1")
	assert.Contains(t, users, "user-2")

	assert.Empty(t, hub.ConnectedUsers("ws-unknown"))
}

// TestDeliverBroadcastsToWorkspace tests that engine events reach every
// workspace member, including the author
func TestDeliverBroadcastsToWorkspace(t *testing.T) {
	hub := NewHub()

	conn1 := newTestConn("ws-1", "user-1")
	conn2 := newTestConn("ws-1", "user-2")
	other := newTestConn("ws-2", "user-3")

	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": conn1, "user-2": conn2}
	hub.workspaceUsers["ws-2"] = map[string]*Connection{"user-3": other}
	hub.connections[conn1.ID] = conn1
	hub.connections[conn2.ID] = conn2
	hub.connections[other.ID] = other
	hub.mu.Unlock()

	payload, _ := json.Marshal(collab.FileChangedPayload{Content: "hello", Version: 1})
	hub.Deliver(collab.Event{
		Type:        collab.EventFileChanged,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	})

	for _, conn := range []*Connection{conn1, conn2} {
		select {
		case data := <-conn.Send:
			var msg OutboundMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, collab.EventFileChanged, msg.Type)
			assert.Equal(t, "ws-1", msg.WorkspaceID)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("expected %s to receive the event", conn.UserID)
		}
	}

	select {
	case <-other.Send:
		t.Fatal("other workspace should not receive the event")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDeliverCursorExcludesAuthor tests that cursor movement is not echoed
// back to the user who moved
func TestDeliverCursorExcludesAuthor(t *testing.T) {
	hub := NewHub()

	author := newTestConn("ws-1", "user-1")
	peer := newTestConn("ws-1", "user-2")

	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": author, "user-2": peer}
	hub.connections[author.ID] = author
	hub.connections[peer.ID] = peer
	hub.mu.Unlock()

	payload, _ := json.Marshal(collab.CursorPayload{
		UserID: "user-1",
		Cursor: &collab.Cursor{File: "main.go", Line: 3, Column: 7},
	})
	hub.Deliver(collab.Event{
		Type:        collab.EventCursorMoved,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	})

	select {
	case <-author.Send:
		t.Fatal("author should not receive their own cursor movement")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case data := <-peer.Send:
		var msg OutboundMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, collab.EventCursorMoved, msg.Type)
		var p collab.CursorPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		require.NotNil(t, p.Cursor)
		assert.Equal(t, 3, p.Cursor.Line)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected peer to receive the cursor movement")
	}
}

// TestSendToUser tests direct-reply delivery
func TestSendToUser(t *testing.T) {
	hub := NewHub()

	conn := newTestConn("ws-1", "user-1")
	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": conn}
	hub.connections[conn.ID] = conn
	hub.mu.Unlock()

	data := encodeOutbound(MsgPong, "ws-1", "user-1", nil)
	assert.True(t, hub.SendToUser("ws-1", "user-1", data))
	assert.False(t, hub.SendToUser("ws-1", "user-absent", data))

	select {
	case got := <-conn.Send:
		var msg OutboundMessage
		require.NoError(t, json.Unmarshal(got, &msg))
		assert.Equal(t, MsgPong, msg.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected direct frame")
	}
}

// TestBroadcastDropsStalledConnection tests that a connection with a full
// send buffer is evicted instead of blocking the fan-out
func TestBroadcastDropsStalledConnection(t *testing.T) {
	hub := NewHub()

	stalled := newTestConn("ws-1", "user-1")
	stalled.Send = make(chan []byte) // unbuffered and never read
	healthy := newTestConn("ws-1", "user-2")

	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": stalled, "user-2": healthy}
	hub.connections[stalled.ID] = stalled
	hub.connections[healthy.ID] = healthy
	hub.mu.Unlock()

	hub.broadcastToWorkspace("ws-1", []byte(`{"type":"pong"}`), "")

	hub.mu.RLock()
	_, stalledPresent := hub.connections[stalled.ID]
	_, healthyPresent := hub.connections[healthy.ID]
	hub.mu.RUnlock()
	assert.False(t, stalledPresent)
	assert.True(t, healthyPresent)

	select {
	case <-healthy.Send:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected healthy connection to receive the frame")
	}
}

// TestBroadcastSurvivesClosedConnection tests that a frame racing a
// connection teardown is dropped instead of panicking the broadcasting
// goroutine
func TestBroadcastSurvivesClosedConnection(t *testing.T) {
	hub := NewHub()

	torn := newTestConn("ws-1", "user-1")
	peer := newTestConn("ws-1", "user-2")

	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": torn, "user-2": peer}
	hub.connections[torn.ID] = torn
	hub.connections[peer.ID] = peer
	hub.mu.Unlock()

	close(torn.Send)

	assert.NotPanics(t, func() {
		hub.broadcastToWorkspace("ws-1", []byte(`{"type":"pong"}`), "")
	})
	assert.NotPanics(t, func() {
		hub.SendToUser("ws-1", "user-1", []byte(`{"type":"pong"}`))
	})

	select {
	case <-peer.Send:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected peer to receive the frame")
	}
}

// TestDeliverScopedToTargets tests that a targeted event reaches only the
// listed users, not every workspace member
func TestDeliverScopedToTargets(t *testing.T) {
	hub := NewHub()

	attachee := newTestConn("ws-1", "user-1")
	bystander := newTestConn("ws-1", "user-2")

	hub.mu.Lock()
	hub.workspaceUsers["ws-1"] = map[string]*Connection{"user-1": attachee, "user-2": bystander}
	hub.connections[attachee.ID] = attachee
	hub.connections[bystander.ID] = bystander
	hub.mu.Unlock()

	payload, _ := json.Marshal(collab.TerminalOutputPayload{TerminalID: "term-1"})
	hub.Deliver(collab.Event{
		Type:        collab.EventTerminalOutput,
		WorkspaceID: "ws-1",
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
		Targets:     []string{"user-1"},
	})

	select {
	case data := <-attachee.Send:
		var msg OutboundMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, collab.EventTerminalOutput, msg.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected attachee to receive the event")
	}

	select {
	case <-bystander.Send:
		t.Fatal("unattached member should not receive the event")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestInboundMessageDecoding tests envelope decoding for representative
// message types
func TestInboundMessageDecoding(t *testing.T) {
	t.Run("file_operation", func(t *testing.T) {
		raw := []byte(`{"type":"file_operation","operation":{"type":"insert","file":"main.go","line":2,"column":0,"text":"x","base_version":4}}`)
		var msg InboundMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, MsgFileOperation, msg.Type)
		require.NotNil(t, msg.Operation)
		assert.Equal(t, collab.OpInsert, msg.Operation.Type)
		assert.Equal(t, int64(4), msg.Operation.BaseVersion)
	})

	t.Run("lock_request", func(t *testing.T) {
		raw := []byte(`{"type":"lock_request","file":"main.go","range":{"start":1,"end":9},"kind":"exclusive"}`)
		var msg InboundMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		require.NotNil(t, msg.Range)
		assert.Equal(t, 9, msg.Range.End)
		assert.Equal(t, collab.LockExclusive, msg.Kind)
	})

	t.Run("create_terminal", func(t *testing.T) {
		raw := []byte(`{"type":"create_terminal","terminal":{"name":"build","command":"bash","cwd":"/tmp"}}`)
		var msg InboundMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		require.NotNil(t, msg.Terminal)
		assert.Equal(t, "bash", msg.Terminal.Command)
	})
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, collab.RoleOwner, parseRole("owner"))
	assert.Equal(t, collab.RoleViewer, parseRole("viewer"))
	assert.Equal(t, collab.RoleEditor, parseRole("editor"))
	assert.Equal(t, collab.RoleEditor, parseRole(""))
	assert.Equal(t, collab.RoleEditor, parseRole("admin"))
}

func TestValidateToken(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	assert.Error(t, validateToken("", "user-1", secret))
	assert.Error(t, validateToken("not-a-jwt", "user-1", secret))

	token := signTestToken(t, secret, "user-1")
	assert.NoError(t, validateToken(token, "user-1", secret))
	assert.Error(t, validateToken(token, "user-2", secret))
}
