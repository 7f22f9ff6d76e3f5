package collab

import (
	"time"
)

// session is the aggregate root for one active workspace: the user roster,
// live file states, locks, and shared terminal/debug sessions. All access
// goes through the mailbox so a single goroutine owns every mutation;
// operational transformation is inherently sequential per file and this
// removes the need for fine-grained locking.
type session struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time

	users     map[string]*User
	files     map[string]*FileState
	terminals map[string]*TerminalSession
	debugs    map[string]*DebugSession

	calls chan sessionCall
	done  chan struct{}
}

type sessionCall struct {
	fn   func()
	done chan struct{}
}

func newSession(workspaceID string) *session {
	now := time.Now().UTC()
	return &session{
		id:           workspaceID,
		createdAt:    now,
		lastActivity: now,
		users:        make(map[string]*User),
		files:        make(map[string]*FileState),
		terminals:    make(map[string]*TerminalSession),
		debugs:       make(map[string]*DebugSession),
		calls:        make(chan sessionCall, 64),
		done:         make(chan struct{}),
	}
}

// run is the session's mailbox loop. It exits when stop is called, after
// finishing the call in flight.
func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case call := <-s.calls:
			call.fn()
			close(call.done)
		}
	}
}

// do executes fn inside the session's mailbox and waits for it to finish.
// Returns false if the session has already been torn down, in which case
// fn never ran.
func (s *session) do(fn func()) bool {
	call := sessionCall{fn: fn, done: make(chan struct{})}
	select {
	case <-s.done:
		return false
	case s.calls <- call:
	}
	select {
	case <-call.done:
		return true
	case <-s.done:
		// The loop may still execute the queued call; wait briefly for a
		// definitive answer so callers never observe a half-applied state.
		select {
		case <-call.done:
			return true
		default:
			return false
		}
	}
}

func (s *session) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *session) touch() {
	s.lastActivity = time.Now().UTC()
}

// WorkspaceSnapshot is a read-only copy of session state for health and
// dashboard endpoints.
type WorkspaceSnapshot struct {
	ID           string           `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
	Users        []User           `json:"users"`
	FileVersions map[string]int64 `json:"file_versions"`
	Terminals    int              `json:"terminals"`
	DebugCount   int              `json:"debug_sessions"`
}

func (s *session) snapshot() WorkspaceSnapshot {
	snap := WorkspaceSnapshot{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Users:        make([]User, 0, len(s.users)),
		FileVersions: make(map[string]int64, len(s.files)),
		Terminals:    len(s.terminals),
		DebugCount:   len(s.debugs),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, *u)
	}
	for path, fs := range s.files {
		snap.FileVersions[path] = fs.Version
	}
	return snap
}
