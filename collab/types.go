// Package collab implements the real-time collaborative workspace engine:
// per-workspace session state, operational transformation for concurrent
// edits, line-range locks, presence, and shared terminal/debug sessions.
//
// All mutation of a workspace's state is serialized through a single
// goroutine per workspace (see session.go), so the transform and lock
// invariants never race. Cross-instance propagation is eventually
// consistent; see the eventbus package.
package collab

import (
	"time"
)

// Role controls which mutating actions a user may perform.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role permits mutating operations
// (file edits, terminal creation and input, debug control).
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Status is a user's presence status within a workspace.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Cursor is a user's caret position within a file.
type Cursor struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Selection is a contiguous selected region within a file.
type Selection struct {
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

// User is the per-workspace view of a connected collaborator. Presence
// fields (cursor, selection, status) are ephemeral and never persisted.
type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      Role       `json:"role"`
	Status    Status     `json:"status"`
	LastSeen  time.Time  `json:"last_seen"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// OperationType is the kind of text edit an Operation performs.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

// Operation is a single text edit generated by a client against a known
// file version. Operations are immutable once created; the transform step
// produces adjusted copies rather than mutating the original.
type Operation struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	UserID      string        `json:"user_id"`
	File        string        `json:"file"`
	Line        int           `json:"line"`
	Column      int           `json:"column"`
	Text        string        `json:"text,omitempty"`
	Length      int           `json:"length,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	BaseVersion int64         `json:"base_version"`
}

// LockKind distinguishes exclusive write locks from shared read locks.
type LockKind string

const (
	LockExclusive LockKind = "exclusive"
	LockShared    LockKind = "shared"
)

// LineRange is an inclusive [Start,End] range of line numbers.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two ranges share at least one line.
func (r LineRange) Overlaps(other LineRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// FileLock is a line-range lock held by a user on one file. Locks are
// instance-local: they are never propagated through the event bus.
type FileLock struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	OwnerID    string    `json:"owner_id"`
	Range      LineRange `json:"range"`
	Kind       LockKind  `json:"kind"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileState is the live, in-memory state of one file under collaborative
// editing. Content always reflects exactly Version applied operations from
// the loaded baseline. The history window retains recently applied
// operations so late-arriving concurrent operations can be transformed.
type FileState struct {
	Path           string
	Content        string
	Version        int64
	LastModifiedBy string
	Locks          map[string]*FileLock
	history        []appliedOp
}

// appliedOp pairs a transformed, applied operation with the version it
// produced.
type appliedOp struct {
	op      Operation
	version int64
}

// TerminalStatus is the lifecycle state of a shared terminal.
type TerminalStatus string

const (
	TerminalActive   TerminalStatus = "active"
	TerminalInactive TerminalStatus = "inactive"
)

// TerminalMessage is one entry in a terminal's ordered history.
type TerminalMessage struct {
	UserID    string    `json:"user_id,omitempty"`
	Kind      string    `json:"kind"` // "input" or "output"
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// TerminalSession is a shared terminal backed by a process on the host.
type TerminalSession struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd"`
	ProcessID string            `json:"process_id"`
	CreatedBy string            `json:"created_by"`
	Status    TerminalStatus    `json:"status"`
	Attached  []string          `json:"attached"`
	History   []TerminalMessage `json:"history"`
	CreatedAt time.Time         `json:"created_at"`
}

// DebugStatus is the lifecycle state of a shared debug session.
type DebugStatus string

const (
	DebugStarting DebugStatus = "starting"
	DebugRunning  DebugStatus = "running"
	DebugPaused   DebugStatus = "paused"
	DebugStopped  DebugStatus = "stopped"
)

// Breakpoint is a source breakpoint tracked by a debug session. The engine
// stores and fans these out; it never interprets them.
type Breakpoint struct {
	ID        string `json:"id"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	Enabled   bool   `json:"enabled"`
	HitCount  int    `json:"hit_count"`
}

// DebugEvent is an opaque debug-adapter event relayed to attachees.
type DebugEvent struct {
	Kind      string         `json:"kind"`
	Body      map[string]any `json:"body,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DebugSession is a shared debugger backed by an adapter process on the
// host. Variables and CallStack are transient snapshots taken verbatim
// from adapter events.
type DebugSession struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Executable  string                 `json:"executable"`
	Args        []string               `json:"args,omitempty"`
	Language    string                 `json:"language,omitempty"`
	ProcessID   string                 `json:"process_id"`
	CreatedBy   string                 `json:"created_by"`
	Status      DebugStatus            `json:"status"`
	Attached    []string               `json:"attached"`
	Breakpoints map[string]*Breakpoint `json:"breakpoints"`
	Variables   map[string]any         `json:"variables,omitempty"`
	CallStack   []map[string]any       `json:"call_stack,omitempty"`
	Events      []DebugEvent           `json:"events"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TerminalSpec describes the process behind a new shared terminal.
type TerminalSpec struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// DebugSpec describes the adapter process behind a new debug session.
type DebugSpec struct {
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
	Language   string   `json:"language,omitempty"`
}

func attachedIndex(ids []string, userID string) int {
	for i, id := range ids {
		if id == userID {
			return i
		}
	}
	return -1
}

func detachUser(ids []string, userID string) []string {
	if i := attachedIndex(ids, userID); i >= 0 {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
