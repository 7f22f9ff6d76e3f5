package collab

import (
	"time"
)

// UpdateCursor records the user's caret position and broadcasts it. The
// only validation is session membership; presence is ephemeral and never
// persisted.
func (e *Engine) UpdateCursor(workspaceID, userID string, cursor Cursor) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	var updated bool
	s.do(func() {
		u, ok := s.users[userID]
		if !ok {
			return
		}
		c := cursor
		u.Cursor = &c
		u.LastSeen = time.Now().UTC()
		s.touch()
		updated = true
	})
	if updated {
		e.emit(newEvent(EventCursorMoved, workspaceID, userID, e.instanceID, CursorPayload{
			UserID: userID,
			Cursor: &cursor,
		}))
	}
	return updated
}

// UpdateSelection records the user's selection range and broadcasts it.
func (e *Engine) UpdateSelection(workspaceID, userID string, selection Selection) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	var updated bool
	s.do(func() {
		u, ok := s.users[userID]
		if !ok {
			return
		}
		sel := selection
		u.Selection = &sel
		u.LastSeen = time.Now().UTC()
		s.touch()
		updated = true
	})
	if updated {
		e.emit(newEvent(EventCursorMoved, workspaceID, userID, e.instanceID, CursorPayload{
			UserID:    userID,
			Selection: &selection,
		}))
	}
	return updated
}

// SetStatus updates the user's presence status and broadcasts the new
// roster entry.
func (e *Engine) SetStatus(workspaceID, userID string, status Status) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	var (
		updated bool
		user    User
	)
	s.do(func() {
		u, ok := s.users[userID]
		if !ok {
			return
		}
		u.Status = status
		u.LastSeen = time.Now().UTC()
		user = *u
		s.touch()
		updated = true
	})
	if updated {
		e.emit(newEvent(EventUserUpdated, workspaceID, userID, e.instanceID, PresencePayload{User: user}))
	}
	return updated
}

// Presence returns the current roster for a workspace.
func (e *Engine) Presence(workspaceID string) []User {
	snap, ok := e.Workspace(workspaceID)
	if !ok {
		return nil
	}
	return snap.Users
}
