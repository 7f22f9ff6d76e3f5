package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"collabspace/metrics"
	"collabspace/prochost"
	"collabspace/utils"
)

// Errors returned by shared-resource operations.
var (
	ErrNotMember        = errors.New("collab: user is not a session member")
	ErrPermissionDenied = errors.New("collab: role does not permit this action")
)

// maxResourceHistory bounds terminal and debug history so a chatty process
// cannot grow a session without limit. Attachees joining later replay at
// most this much back-scroll.
const maxResourceHistory = 1000

// CreateTerminal starts a process on the host and registers a shared
// terminal with the creator as sole attachee. Permission-gated to
// owner/editor. If the host cannot start the process, nothing is
// registered and the error is surfaced to the creator only.
func (e *Engine) CreateTerminal(ctx context.Context, workspaceID, userID string, spec TerminalSpec) (TerminalSession, error) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return TerminalSession{}, ErrNotMember
	}
	if err := e.checkEditor(s, userID); err != nil {
		return TerminalSession{}, err
	}

	argv := strings.Fields(spec.Command)
	if len(argv) == 0 {
		return TerminalSession{}, errors.New("collab: terminal command required")
	}
	processID, err := e.host.Start(ctx, prochost.Spec{Command: argv[0], Args: argv[1:], Cwd: spec.Cwd})
	if err != nil {
		return TerminalSession{}, err
	}

	term := TerminalSession{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		Command:   spec.Command,
		Cwd:       spec.Cwd,
		ProcessID: processID,
		CreatedBy: userID,
		Status:    TerminalActive,
		Attached:  []string{userID},
		CreatedAt: time.Now().UTC(),
	}

	registered := false
	s.do(func() {
		// The creator may have disconnected while the process was
		// starting; don't register an ownerless terminal.
		if _, ok := s.users[userID]; !ok {
			return
		}
		t := term
		s.terminals[t.ID] = &t
		s.touch()
		registered = true
	})
	if !registered {
		_ = e.host.Stop(processID)
		return TerminalSession{}, ErrNotMember
	}

	if err := e.host.OnOutput(processID, func(data []byte) {
		e.handleTerminalOutput(workspaceID, term.ID, data)
	}); err != nil {
		utils.LogError("terminal output subscription failed", err, "terminal_id", term.ID)
	}

	metrics.AddTerminalsActive(1)
	e.record(workspaceID, userID, "create_terminal", term.Name)
	return term, nil
}

// AttachTerminal adds the user to the terminal's attachee list. Any member
// may attach, viewers included; write gating happens at SendTerminalInput.
// The returned copy carries the full history so the gateway can replay it
// to the new attachee.
func (e *Engine) AttachTerminal(workspaceID, userID, terminalID string) (TerminalSession, bool) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return TerminalSession{}, false
	}
	var (
		attached bool
		copied   TerminalSession
	)
	s.do(func() {
		if _, ok := s.users[userID]; !ok {
			return
		}
		term, ok := s.terminals[terminalID]
		if !ok {
			return
		}
		if attachedIndex(term.Attached, userID) < 0 {
			term.Attached = append(term.Attached, userID)
		}
		copied = *term
		copied.Attached = append([]string(nil), term.Attached...)
		copied.History = append([]TerminalMessage(nil), term.History...)
		s.touch()
		attached = true
	})
	return copied, attached
}

// SendTerminalInput appends the input to the terminal history, forwards it
// to the process, and relays it to every attachee. The sender must be an
// attached owner/editor; an unattached or unauthorized user is refused.
func (e *Engine) SendTerminalInput(ctx context.Context, workspaceID, userID, terminalID, input string) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	var (
		accepted  bool
		processID string
		msg       TerminalMessage
		attachees []string
	)
	s.do(func() {
		u, ok := s.users[userID]
		if !ok || !u.Role.CanEdit() {
			return
		}
		term, ok := s.terminals[terminalID]
		if !ok || term.Status != TerminalActive {
			return
		}
		if attachedIndex(term.Attached, userID) < 0 {
			return
		}
		msg = TerminalMessage{
			UserID:    userID,
			Kind:      "input",
			Data:      input,
			Timestamp: time.Now().UTC(),
		}
		term.History = appendBounded(term.History, msg)
		processID = term.ProcessID
		attachees = append([]string{}, term.Attached...)
		s.touch()
		accepted = true
	})
	if !accepted {
		return false
	}

	if err := e.host.Write(processID, []byte(input)); err != nil {
		utils.LogError("terminal input forward failed", err, "terminal_id", terminalID)
	}
	evt := newEvent(EventTerminalOutput, workspaceID, userID, e.instanceID, TerminalOutputPayload{
		TerminalID: terminalID,
		Message:    msg,
	})
	evt.Targets = attachees
	e.emit(evt)
	return true
}

// handleTerminalOutput runs on the process host's pump goroutine: append
// to history inside the mailbox, then fan out.
func (e *Engine) handleTerminalOutput(workspaceID, terminalID string, data []byte) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return
	}
	var (
		ok        bool
		msg       TerminalMessage
		attachees []string
	)
	s.do(func() {
		term, exists := s.terminals[terminalID]
		if !exists {
			return
		}
		msg = TerminalMessage{
			Kind:      "output",
			Data:      string(data),
			Timestamp: time.Now().UTC(),
		}
		term.History = appendBounded(term.History, msg)
		attachees = append([]string{}, term.Attached...)
		ok = true
	})
	if !ok {
		return
	}
	evt := newEvent(EventTerminalOutput, workspaceID, "", e.instanceID, TerminalOutputPayload{
		TerminalID: terminalID,
		Message:    msg,
	})
	evt.Targets = attachees
	e.emit(evt)
}

// CreateDebugSession starts a debug-adapter process and registers a shared
// debug session with the creator attached. Same failure semantics as
// CreateTerminal: a host error registers nothing.
func (e *Engine) CreateDebugSession(ctx context.Context, workspaceID, userID string, spec DebugSpec) (DebugSession, error) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return DebugSession{}, ErrNotMember
	}
	if err := e.checkEditor(s, userID); err != nil {
		return DebugSession{}, err
	}
	if spec.Executable == "" {
		return DebugSession{}, errors.New("collab: debug executable required")
	}

	processID, err := e.host.Start(ctx, prochost.Spec{Command: spec.Executable, Args: spec.Args})
	if err != nil {
		return DebugSession{}, err
	}

	dbg := DebugSession{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Executable:  spec.Executable,
		Args:        spec.Args,
		Language:    spec.Language,
		ProcessID:   processID,
		CreatedBy:   userID,
		Status:      DebugStarting,
		Attached:    []string{userID},
		Breakpoints: make(map[string]*Breakpoint),
		CreatedAt:   time.Now().UTC(),
	}

	registered := false
	s.do(func() {
		if _, ok := s.users[userID]; !ok {
			return
		}
		d := dbg
		s.debugs[d.ID] = &d
		s.touch()
		registered = true
	})
	if !registered {
		_ = e.host.Stop(processID)
		return DebugSession{}, ErrNotMember
	}

	if err := e.host.OnOutput(processID, func(data []byte) {
		e.handleDebugOutput(workspaceID, dbg.ID, data)
	}); err != nil {
		utils.LogError("debug output subscription failed", err, "debug_id", dbg.ID)
	}

	metrics.AddDebugSessionsActive(1)
	e.record(workspaceID, userID, "create_debug_session", dbg.Name)
	return dbg, nil
}

// AttachDebug adds the user to the debug session's attachee list and
// returns a copy with the full event history for replay.
func (e *Engine) AttachDebug(workspaceID, userID, debugID string) (DebugSession, bool) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return DebugSession{}, false
	}
	var (
		attached bool
		copied   DebugSession
	)
	s.do(func() {
		if _, ok := s.users[userID]; !ok {
			return
		}
		dbg, ok := s.debugs[debugID]
		if !ok {
			return
		}
		if attachedIndex(dbg.Attached, userID) < 0 {
			dbg.Attached = append(dbg.Attached, userID)
		}
		copied = *dbg
		copied.Attached = append([]string(nil), dbg.Attached...)
		copied.Events = append([]DebugEvent(nil), dbg.Events...)
		s.touch()
		attached = true
	})
	return copied, attached
}

// SetBreakpoint stores a breakpoint on the debug session and fans it out.
// Permission-gated to owner/editor.
func (e *Engine) SetBreakpoint(workspaceID, userID, debugID string, bp Breakpoint) (Breakpoint, bool) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return Breakpoint{}, false
	}
	var (
		set       bool
		attachees []string
	)
	s.do(func() {
		u, ok := s.users[userID]
		if !ok || !u.Role.CanEdit() {
			return
		}
		dbg, ok := s.debugs[debugID]
		if !ok {
			return
		}
		if bp.ID == "" {
			bp.ID = uuid.New().String()
		}
		b := bp
		dbg.Breakpoints[b.ID] = &b
		attachees = append([]string{}, dbg.Attached...)
		s.touch()
		set = true
	})
	if !set {
		return Breakpoint{}, false
	}
	evt := newEvent(EventDebugEvent, workspaceID, userID, e.instanceID, DebugEventPayload{
		DebugID: debugID,
		Event: DebugEvent{
			Kind: "breakpoint_set",
			Body: map[string]any{
				"breakpoint": bp,
			},
			Timestamp: time.Now().UTC(),
		},
	})
	evt.Targets = attachees
	e.emit(evt)
	return bp, true
}

// handleDebugOutput decodes adapter output into debug events. The engine
// does not interpret debug semantics beyond lifting a few well-known body
// fields (status, variables, call stack, breakpoint hits) into the session
// snapshot; everything is fanned out verbatim.
func (e *Engine) handleDebugOutput(workspaceID, debugID string, data []byte) {
	evt := DebugEvent{Timestamp: time.Now().UTC()}
	if err := json.Unmarshal(data, &evt); err != nil || evt.Kind == "" {
		evt = DebugEvent{
			Kind:      "output",
			Body:      map[string]any{"data": string(data)},
			Timestamp: time.Now().UTC(),
		}
	}
	e.ApplyDebugEvent(workspaceID, debugID, evt)
}

// ApplyDebugEvent records an adapter event against the debug session and
// broadcasts it to attachees.
func (e *Engine) ApplyDebugEvent(workspaceID, debugID string, evt DebugEvent) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return
	}
	var (
		ok        bool
		status    DebugStatus
		attachees []string
	)
	s.do(func() {
		dbg, exists := s.debugs[debugID]
		if !exists {
			return
		}
		if raw, present := evt.Body["status"]; present {
			if str, isStr := raw.(string); isStr {
				dbg.Status = DebugStatus(str)
			}
		}
		if raw, present := evt.Body["variables"]; present {
			if vars, isMap := raw.(map[string]any); isMap {
				dbg.Variables = vars
			}
		}
		if raw, present := evt.Body["call_stack"]; present {
			if frames, isList := raw.([]any); isList {
				stack := make([]map[string]any, 0, len(frames))
				for _, f := range frames {
					if frame, isMap := f.(map[string]any); isMap {
						stack = append(stack, frame)
					}
				}
				dbg.CallStack = stack
			}
		}
		if raw, present := evt.Body["breakpoint_id"]; present {
			if id, isStr := raw.(string); isStr {
				if bp, tracked := dbg.Breakpoints[id]; tracked {
					bp.HitCount++
				}
			}
		}
		dbg.Events = appendBounded(dbg.Events, evt)
		status = dbg.Status
		attachees = append([]string{}, dbg.Attached...)
		ok = true
	})
	if !ok {
		return
	}
	out := newEvent(EventDebugEvent, workspaceID, "", e.instanceID, DebugEventPayload{
		DebugID: debugID,
		Status:  status,
		Event:   evt,
	})
	out.Targets = attachees
	e.emit(out)
}

// checkEditor verifies membership and editing role without mutating state.
func (e *Engine) checkEditor(s *session, userID string) error {
	var err error
	s.do(func() {
		u, ok := s.users[userID]
		switch {
		case !ok:
			err = ErrNotMember
		case !u.Role.CanEdit():
			err = ErrPermissionDenied
		}
	})
	return err
}

func appendBounded[T any](history []T, entry T) []T {
	history = append(history, entry)
	if len(history) > maxResourceHistory {
		history = history[len(history)-maxResourceHistory:]
	}
	return history
}
