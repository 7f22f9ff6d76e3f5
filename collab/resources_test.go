package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTerminalStartsProcess(t *testing.T) {
	e, host, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{
		Name:    "build",
		Command: "make watch",
		Cwd:     "/srv/project",
	})
	require.NoError(t, err)

	assert.Equal(t, TerminalActive, term.Status)
	assert.Equal(t, "user-1", term.CreatedBy)
	assert.Equal(t, []string{"user-1"}, term.Attached)
	assert.Empty(t, term.History)

	host.mu.Lock()
	spec := host.specs[term.ProcessID]
	host.mu.Unlock()
	assert.Equal(t, "make", spec.Command)
	assert.Equal(t, []string{"watch"}, spec.Args)
	assert.Equal(t, "/srv/project", spec.Cwd)
}

func TestCreateTerminalPermissionGating(t *testing.T) {
	e, host, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "viewer-1", RoleViewer)

	_, err := e.CreateTerminal(ctx, "ws-1", "viewer-1", TerminalSpec{Command: "bash"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = e.CreateTerminal(ctx, "ws-1", "ghost", TerminalSpec{Command: "bash"})
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = e.CreateTerminal(ctx, "ws-none", "viewer-1", TerminalSpec{Command: "bash"})
	assert.ErrorIs(t, err, ErrNotMember)

	// No process may be started on a refused request.
	assert.Equal(t, 0, host.runningCount())
}

func TestCreateTerminalEmptyCommand(t *testing.T) {
	e, host, _ := newEngineForTest()

	join(t, e, "ws-1", "user-1", RoleEditor)

	_, err := e.CreateTerminal(context.Background(), "ws-1", "user-1", TerminalSpec{Command: "   "})
	assert.Error(t, err)
	assert.Equal(t, 0, host.runningCount())
}

func TestCreateTerminalHostFailure(t *testing.T) {
	e, host, _ := newEngineForTest()
	host.startErr = errors.New("spawn refused")

	join(t, e, "ws-1", "user-1", RoleEditor)

	_, err := e.CreateTerminal(context.Background(), "ws-1", "user-1", TerminalSpec{Command: "bash"})
	assert.Error(t, err)

	snap, ok := e.Workspace("ws-1")
	require.True(t, ok)
	assert.Equal(t, 0, snap.Terminals)
}

// A late attachee replays the full back-scroll, then receives the live
// stream like everyone else.
func TestAttachTerminalReplaysHistory(t *testing.T) {
	e, host, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "user-2", RoleEditor)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{Name: "shell", Command: "bash"})
	require.NoError(t, err)

	require.True(t, e.SendTerminalInput(ctx, "ws-1", "user-1", term.ID, "ls\n"))
	host.emitOutput(term.ProcessID, []byte("main.go\n"))
	host.emitOutput(term.ProcessID, []byte("go.mod\n"))

	copied, attached := e.AttachTerminal("ws-1", "user-2", term.ID)
	require.True(t, attached)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, copied.Attached)

	require.Len(t, copied.History, 3)
	assert.Equal(t, "input", copied.History[0].Kind)
	assert.Equal(t, "ls\n", copied.History[0].Data)
	assert.Equal(t, "output", copied.History[1].Kind)
	assert.Equal(t, "main.go\n", copied.History[1].Data)
	assert.Equal(t, "output", copied.History[2].Kind)
	assert.Equal(t, "go.mod\n", copied.History[2].Data)

	// Output after the attach streams as events; the replayed copy stays a
	// point-in-time snapshot.
	before := sink.count(EventTerminalOutput)
	host.emitOutput(term.ProcessID, []byte("README.md\n"))
	assert.Equal(t, before+1, sink.count(EventTerminalOutput))
	assert.Len(t, copied.History, 3)
}

func TestAttachTerminalUnknown(t *testing.T) {
	e, _, _ := newEngineForTest()

	join(t, e, "ws-1", "user-1", RoleEditor)

	_, attached := e.AttachTerminal("ws-1", "user-1", "no-such-terminal")
	assert.False(t, attached)
	_, attached = e.AttachTerminal("ws-1", "ghost", "no-such-terminal")
	assert.False(t, attached)
}

func TestSendTerminalInputGating(t *testing.T) {
	e, host, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "user-2", RoleEditor)
	join(t, e, "ws-1", "viewer-1", RoleViewer)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{Command: "bash"})
	require.NoError(t, err)

	// Viewers may attach but never write.
	_, attached := e.AttachTerminal("ws-1", "viewer-1", term.ID)
	require.True(t, attached)
	assert.False(t, e.SendTerminalInput(ctx, "ws-1", "viewer-1", term.ID, "whoami\n"))

	// Editors must attach before writing.
	assert.False(t, e.SendTerminalInput(ctx, "ws-1", "user-2", term.ID, "whoami\n"))

	assert.True(t, e.SendTerminalInput(ctx, "ws-1", "user-1", term.ID, "whoami\n"))
	assert.Equal(t, "whoami\n", host.writtenTo(term.ProcessID))
}

func TestSendTerminalInputInactiveTerminal(t *testing.T) {
	e, _, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{Command: "bash"})
	require.NoError(t, err)

	s := e.lookupSession("ws-1")
	require.NotNil(t, s)
	s.do(func() { s.terminals[term.ID].Status = TerminalInactive })

	assert.False(t, e.SendTerminalInput(ctx, "ws-1", "user-1", term.ID, "whoami\n"))
}

func TestSendTerminalInputBroadcasts(t *testing.T) {
	e, _, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{Command: "bash"})
	require.NoError(t, err)
	require.True(t, e.SendTerminalInput(ctx, "ws-1", "user-1", term.ID, "echo hi\n"))

	events := sink.ofType(EventTerminalOutput)
	require.Len(t, events, 1)
	var p TerminalOutputPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, term.ID, p.TerminalID)
	assert.Equal(t, "input", p.Message.Kind)
	assert.Equal(t, "echo hi\n", p.Message.Data)
	assert.Equal(t, "user-1", p.Message.UserID)
}

// Terminal output is a targeted event: attached users are the only
// delivery targets, so an unattached member's connection never sees it.
func TestTerminalOutputTargetsAttachees(t *testing.T) {
	e, host, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "user-2", RoleEditor)
	join(t, e, "ws-1", "user-3", RoleEditor)

	term, err := e.CreateTerminal(ctx, "ws-1", "user-1", TerminalSpec{Command: "bash"})
	require.NoError(t, err)
	_, attached := e.AttachTerminal("ws-1", "user-2", term.ID)
	require.True(t, attached)

	host.emitOutput(term.ProcessID, []byte("hello\n"))

	events := sink.ofType(EventTerminalOutput)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, events[0].Targets)
	assert.NotContains(t, events[0].Targets, "user-3")
}

func TestDebugEventTargetsAttachees(t *testing.T) {
	e, _, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "user-2", RoleViewer)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{Name: "api", Executable: "dlv"})
	require.NoError(t, err)

	e.ApplyDebugEvent("ws-1", dbg.ID, DebugEvent{Kind: "continued", Timestamp: time.Now().UTC()})

	events := sink.ofType(EventDebugEvent)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"user-1"}, events[0].Targets)
}

func TestCreateDebugSession(t *testing.T) {
	e, host, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{
		Name:       "api",
		Executable: "dlv",
		Args:       []string{"dap"},
		Language:   "go",
	})
	require.NoError(t, err)

	assert.Equal(t, DebugStarting, dbg.Status)
	assert.Equal(t, []string{"user-1"}, dbg.Attached)
	assert.Empty(t, dbg.Breakpoints)

	host.mu.Lock()
	spec := host.specs[dbg.ProcessID]
	host.mu.Unlock()
	assert.Equal(t, "dlv", spec.Command)
	assert.Equal(t, []string{"dap"}, spec.Args)
}

func TestCreateDebugSessionValidation(t *testing.T) {
	e, _, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "viewer-1", RoleViewer)

	_, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{})
	assert.Error(t, err)
	_, err = e.CreateDebugSession(ctx, "ws-1", "viewer-1", DebugSpec{Executable: "dlv"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSetBreakpoint(t *testing.T) {
	e, _, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "viewer-1", RoleViewer)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{Executable: "dlv"})
	require.NoError(t, err)

	bp, set := e.SetBreakpoint("ws-1", "user-1", dbg.ID, Breakpoint{File: "main.go", Line: 42, Enabled: true})
	require.True(t, set)
	assert.NotEmpty(t, bp.ID)

	events := sink.ofType(EventDebugEvent)
	require.Len(t, events, 1)
	var p DebugEventPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, dbg.ID, p.DebugID)
	assert.Equal(t, "breakpoint_set", p.Event.Kind)

	_, set = e.SetBreakpoint("ws-1", "viewer-1", dbg.ID, Breakpoint{File: "main.go", Line: 50})
	assert.False(t, set)
	_, set = e.SetBreakpoint("ws-1", "user-1", "no-such-session", Breakpoint{File: "main.go", Line: 50})
	assert.False(t, set)
}

func TestApplyDebugEventLiftsWellKnownFields(t *testing.T) {
	e, _, sink := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)
	join(t, e, "ws-1", "user-2", RoleEditor)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{Executable: "dlv"})
	require.NoError(t, err)

	e.ApplyDebugEvent("ws-1", dbg.ID, DebugEvent{
		Kind: "stopped",
		Body: map[string]any{
			"status":    "paused",
			"variables": map[string]any{"count": float64(3)},
			"call_stack": []any{
				map[string]any{"function": "main.main", "line": float64(10)},
			},
		},
	})

	copied, attached := e.AttachDebug("ws-1", "user-2", dbg.ID)
	require.True(t, attached)
	assert.Equal(t, DebugPaused, copied.Status)
	assert.Equal(t, map[string]any{"count": float64(3)}, copied.Variables)
	require.Len(t, copied.CallStack, 1)
	assert.Equal(t, "main.main", copied.CallStack[0]["function"])
	require.Len(t, copied.Events, 1)
	assert.Equal(t, "stopped", copied.Events[0].Kind)

	events := sink.ofType(EventDebugEvent)
	require.Len(t, events, 1)
	var p DebugEventPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, DebugPaused, p.Status)
}

func TestBreakpointHitCount(t *testing.T) {
	e, _, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{Executable: "dlv"})
	require.NoError(t, err)
	bp, set := e.SetBreakpoint("ws-1", "user-1", dbg.ID, Breakpoint{File: "main.go", Line: 42, Enabled: true})
	require.True(t, set)

	e.ApplyDebugEvent("ws-1", dbg.ID, DebugEvent{
		Kind: "breakpoint_hit",
		Body: map[string]any{"breakpoint_id": bp.ID, "status": "paused"},
	})
	e.ApplyDebugEvent("ws-1", dbg.ID, DebugEvent{
		Kind: "breakpoint_hit",
		Body: map[string]any{"breakpoint_id": bp.ID},
	})

	copied, attached := e.AttachDebug("ws-1", "user-1", dbg.ID)
	require.True(t, attached)
	require.Contains(t, copied.Breakpoints, bp.ID)
	assert.Equal(t, 2, copied.Breakpoints[bp.ID].HitCount)
}

func TestDebugOutputFallsBackToRawEvent(t *testing.T) {
	e, host, _ := newEngineForTest()
	ctx := context.Background()

	join(t, e, "ws-1", "user-1", RoleEditor)

	dbg, err := e.CreateDebugSession(ctx, "ws-1", "user-1", DebugSpec{Executable: "dlv"})
	require.NoError(t, err)

	// Structured adapter event.
	host.emitOutput(dbg.ProcessID, []byte(`{"kind":"continued","body":{"status":"running"}}`))
	// Plain text that is not an adapter event.
	host.emitOutput(dbg.ProcessID, []byte("Listening on :2345"))

	copied, attached := e.AttachDebug("ws-1", "user-1", dbg.ID)
	require.True(t, attached)
	require.Len(t, copied.Events, 2)
	assert.Equal(t, "continued", copied.Events[0].Kind)
	assert.Equal(t, DebugRunning, copied.Status)
	assert.Equal(t, "output", copied.Events[1].Kind)
	assert.Equal(t, "Listening on :2345", copied.Events[1].Body["data"])
}

func TestAppendBoundedCapsHistory(t *testing.T) {
	var history []TerminalMessage
	for i := 0; i < maxResourceHistory+5; i++ {
		history = appendBounded(history, TerminalMessage{Data: fmt.Sprintf("%d", i)})
	}
	require.Len(t, history, maxResourceHistory)
	assert.Equal(t, "5", history[0].Data)
	assert.Equal(t, fmt.Sprintf("%d", maxResourceHistory+4), history[len(history)-1].Data)
}
