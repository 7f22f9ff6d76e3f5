package database

import (
	"context"
	"fmt"
	"time"
)

// ActivityEntry is one row of the workspace audit trail.
type ActivityEntry struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityLog writes workspace audit rows. Callers treat it as
// fire-and-forget; a failed insert never blocks collaboration.
type ActivityLog struct {
	db Database
}

// NewActivityLog creates an ActivityLog backed by db.
func NewActivityLog(db Database) *ActivityLog {
	return &ActivityLog{db: db}
}

// Record inserts one activity row.
func (a *ActivityLog) Record(ctx context.Context, workspaceID, userID, action, detail string) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO workspace_activity (workspace_id, user_id, action, detail) VALUES ($1, $2, $3, $4)`,
		workspaceID, userID, action, detail)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Recent returns the latest activity rows for a workspace, newest first.
func (a *ActivityLog) Recent(ctx context.Context, workspaceID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(ctx,
		`SELECT user_id, action, COALESCE(detail, ''), created_at
		 FROM workspace_activity WHERE workspace_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.UserID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.WorkspaceID = workspaceID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
