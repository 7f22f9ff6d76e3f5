package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"collabspace/collab"
	"collabspace/utils"
)

// HandleWebSocket owns one client connection for its whole lifetime: it
// authenticates the upgrade, joins the user into the workspace, pumps
// outbound frames, dispatches inbound messages to the engine, and leaves
// the workspace when the socket closes for any reason.
func HandleWebSocket(c *websocket.Conn, hub *Hub, engine *collab.Engine, jwtSecret []byte) {
	defer c.Close()

	workspaceID := c.Query("workspace_id")
	userID := c.Query("user_id")
	name := c.Query("name")
	role := parseRole(c.Query("role"))

	if workspaceID == "" || userID == "" {
		utils.LogInfo("websocket rejected", "reason", "missing workspace_id or user_id")
		return
	}
	if len(jwtSecret) > 0 {
		if err := validateToken(c.Query("token"), userID, jwtSecret); err != nil {
			utils.LogInfo("websocket rejected", "reason", err.Error(), "user_id", userID)
			return
		}
	}
	if name == "" {
		name = userID
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Conn:        c,
		Send:        make(chan []byte, 256),
	}
	hub.RegisterConnection(conn)

	ctx := context.Background()
	snap, err := engine.Join(ctx, workspaceID, collab.User{ID: userID, Name: name, Role: role})
	if err != nil {
		utils.LogError("workspace join failed", err, "workspace_id", workspaceID, "user_id", userID)
		hub.UnregisterConnection(conn)
		return
	}
	conn.send(encodeOutbound(MsgWorkspaceState, workspaceID, userID, snap))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for message := range conn.Send {
			if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
				utils.LogInfo("websocket write failed", "user_id", userID, "err", err)
				return
			}
		}
		_ = c.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	h := &messageHandler{engine: engine, conn: conn, name: name, role: role}
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				utils.LogInfo("websocket read failed", "user_id", userID, "err", err)
			}
			break
		}
		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames are dropped, not fatal.
			utils.LogInfo("malformed websocket message dropped", "user_id", userID, "err", err)
			continue
		}
		if !h.dispatch(ctx, msg) {
			break
		}
	}

	// Leave before unregistering so the user_left broadcast still reaches
	// the other members, then tear the connection down. A reconnect may
	// have replaced this connection in the hub; only the active connection
	// tears down the membership, so a stale socket closing cannot evict
	// the freshly reconnected user.
	if hub.IsActive(conn) {
		engine.Leave(ctx, workspaceID, userID)
	}
	hub.UnregisterConnection(conn)
	<-writerDone
}

// messageHandler dispatches inbound messages for one connection.
type messageHandler struct {
	engine *collab.Engine
	conn   *Connection
	name   string
	role   collab.Role
}

// dispatch handles one message; returning false closes the connection.
func (h *messageHandler) dispatch(ctx context.Context, msg InboundMessage) bool {
	ws := h.conn.WorkspaceID
	uid := h.conn.UserID

	switch msg.Type {
	case MsgPing:
		h.conn.send(encodeOutbound(MsgPong, ws, uid, nil))

	case MsgJoinWorkspace:
		// The connection is already a member; re-joining refreshes presence
		// and returns a fresh snapshot. The role negotiated at upgrade time
		// stays fixed for the connection's lifetime.
		snap, err := h.engine.Join(ctx, ws, collab.User{ID: uid, Name: h.name, Role: h.role})
		if err != nil {
			h.replyError(err.Error())
			return true
		}
		h.conn.send(encodeOutbound(MsgWorkspaceState, ws, uid, snap))

	case MsgLeaveWorkspace:
		return false

	case MsgCursorMoved:
		if msg.Cursor != nil {
			h.engine.UpdateCursor(ws, uid, *msg.Cursor)
		}

	case MsgSelectionChanged:
		if msg.Selection != nil {
			h.engine.UpdateSelection(ws, uid, *msg.Selection)
		}

	case MsgFileOperation:
		if msg.Operation == nil {
			h.replyError("file_operation requires an operation")
			return true
		}
		if !h.engine.ApplyOperation(ctx, ws, uid, *msg.Operation) {
			h.replyError(fmt.Sprintf("operation on %s rejected", msg.Operation.File))
		}

	case MsgLockRequest:
		if msg.Range == nil || msg.File == "" {
			h.replyError("lock_request requires file and range")
			return true
		}
		kind := msg.Kind
		if kind == "" {
			kind = collab.LockExclusive
		}
		lock, granted := h.engine.AcquireLock(ctx, ws, uid, msg.File, *msg.Range, kind)
		result := LockResultPayload{Request: "acquire", Granted: granted, File: msg.File}
		if granted {
			result.Lock = &lock
			result.LockID = lock.ID
		}
		h.conn.send(encodeOutbound(MsgLockResult, ws, uid, result))

	case MsgLockRelease:
		released := h.engine.ReleaseLock(ws, uid, msg.LockID)
		h.conn.send(encodeOutbound(MsgLockResult, ws, uid, LockResultPayload{
			Request: "release",
			Granted: released,
			LockID:  msg.LockID,
		}))

	case MsgCreateTerminal:
		if msg.Terminal == nil {
			h.replyError("create_terminal requires a terminal spec")
			return true
		}
		term, err := h.engine.CreateTerminal(ctx, ws, uid, *msg.Terminal)
		if err != nil {
			h.replyError(terseError(err))
			return true
		}
		h.conn.send(encodeOutbound(MsgTerminalState, ws, uid, term))

	case MsgAttachTerminal:
		term, ok := h.engine.AttachTerminal(ws, uid, msg.TerminalID)
		if !ok {
			h.replyError("terminal not available")
			return true
		}
		h.conn.send(encodeOutbound(MsgTerminalState, ws, uid, term))

	case MsgTerminalInput:
		if !h.engine.SendTerminalInput(ctx, ws, uid, msg.TerminalID, msg.Input) {
			h.replyError("terminal input rejected")
		}

	case MsgCreateDebugSession:
		if msg.Debug == nil {
			h.replyError("create_debug_session requires a debug spec")
			return true
		}
		dbg, err := h.engine.CreateDebugSession(ctx, ws, uid, *msg.Debug)
		if err != nil {
			h.replyError(terseError(err))
			return true
		}
		h.conn.send(encodeOutbound(MsgDebugState, ws, uid, dbg))

	case MsgAttachDebug:
		dbg, ok := h.engine.AttachDebug(ws, uid, msg.DebugID)
		if !ok {
			h.replyError("debug session not available")
			return true
		}
		h.conn.send(encodeOutbound(MsgDebugState, ws, uid, dbg))

	case MsgSetBreakpoint:
		if msg.Breakpoint == nil {
			h.replyError("set_breakpoint requires a breakpoint")
			return true
		}
		if _, ok := h.engine.SetBreakpoint(ws, uid, msg.DebugID, *msg.Breakpoint); !ok {
			h.replyError("breakpoint rejected")
		}

	default:
		utils.LogInfo("unknown websocket message type dropped", "type", msg.Type, "user_id", uid)
	}
	return true
}

func (h *messageHandler) replyError(message string) {
	h.conn.send(encodeOutbound(MsgError, h.conn.WorkspaceID, h.conn.UserID, ErrorPayload{Message: message}))
}

// send enqueues a direct frame, dropping it if the client cannot keep up.
func (c *Connection) send(data []byte) {
	c.trySend(data)
}

func parseRole(raw string) collab.Role {
	switch collab.Role(strings.ToLower(raw)) {
	case collab.RoleOwner:
		return collab.RoleOwner
	case collab.RoleViewer:
		return collab.RoleViewer
	default:
		return collab.RoleEditor
	}
}

func terseError(err error) string {
	if errors.Is(err, collab.ErrNotMember) || errors.Is(err, collab.ErrPermissionDenied) {
		return err.Error()
	}
	// Infrastructure detail stays in the server log.
	return "request failed"
}

// validateToken verifies an HMAC JWT and checks that its user_id claim
// matches the connecting user.
func validateToken(tokenStr, userID string, secret []byte) error {
	if tokenStr == "" {
		return errors.New("missing token")
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid token claims")
	}
	if tokenUserID, ok := claims["user_id"].(string); !ok || tokenUserID != userID {
		return errors.New("user id mismatch")
	}
	return nil
}
