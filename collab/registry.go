package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabspace/eventbus"
	"collabspace/filestore"
	"collabspace/metrics"
	"collabspace/prochost"
	"collabspace/utils"
)

// Sink receives every event visible on this instance (local mutations and
// remote ones applied here) for fan-out to connected clients. Deliver must
// not block.
type Sink interface {
	Deliver(evt Event)
}

// ActivityRecorder persists a workspace audit trail. Recording is
// fire-and-forget; failures are logged, never surfaced.
type ActivityRecorder interface {
	Record(ctx context.Context, workspaceID, userID, action, detail string) error
}

// Config wires the engine to its external collaborators.
type Config struct {
	Store          filestore.Store
	Host           prochost.Host
	Bus            eventbus.Bus
	Recorder       ActivityRecorder // optional
	InstanceID     string
	HistoryLimit   int
	PublishTimeout time.Duration
}

// Engine is the session registry: one live session per active workspace,
// created on first join and torn down on last leave. It is the single
// entry point for the connection gateway and for remotely published
// events.
type Engine struct {
	store          filestore.Store
	host           prochost.Host
	bus            eventbus.Bus
	recorder       ActivityRecorder
	instanceID     string
	historyLimit   int
	publishTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	sinks    []Sink

	cancelSub context.CancelFunc
}

// NewEngine constructs an engine from cfg, filling in defaults for the
// instance id, history window, and publish timeout.
func NewEngine(cfg Config) *Engine {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.NopBus{}
	}
	return &Engine{
		store:          cfg.Store,
		host:           cfg.Host,
		bus:            cfg.Bus,
		recorder:       cfg.Recorder,
		instanceID:     cfg.InstanceID,
		historyLimit:   cfg.HistoryLimit,
		publishTimeout: cfg.PublishTimeout,
		sessions:       make(map[string]*session),
	}
}

// InstanceID identifies this engine on the event bus.
func (e *Engine) InstanceID() string { return e.instanceID }

// AddSink registers a local event consumer (the websocket hub).
func (e *Engine) AddSink(sink Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
}

// Start subscribes the engine to the cross-instance event bus.
func (e *Engine) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	e.cancelSub = cancel
	if err := e.bus.Subscribe(subCtx, e.handleRemote); err != nil {
		cancel()
		return err
	}
	utils.LogInfo("collaboration engine started", "instance_id", e.instanceID)
	return nil
}

// Stop unsubscribes from the bus, flushes live file content to the store,
// and tears down every session including its owned processes.
func (e *Engine) Stop(ctx context.Context) {
	if e.cancelSub != nil {
		e.cancelSub()
	}
	if err := e.bus.Close(); err != nil {
		utils.LogError("event bus close failed", err)
	}

	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		var processIDs []string
		var files []filestore.File
		var termCount, debugCount int
		s.do(func() {
			processIDs = s.ownedProcessIDs()
			termCount = len(s.terminals)
			debugCount = len(s.debugs)
			for _, fs := range s.files {
				files = append(files, filestore.File{Path: fs.Path, Content: fs.Content})
			}
		})
		s.stop()
		for _, pid := range processIDs {
			if err := e.host.Stop(pid); err != nil {
				utils.LogError("process stop failed", err, "process_id", pid)
			}
		}
		for _, f := range files {
			if err := e.store.Write(ctx, f.Path, f.Content); err != nil {
				utils.LogError("file flush failed", err, "path", f.Path)
			}
		}
		metrics.AddTerminalsActive(-termCount)
		metrics.AddDebugSessionsActive(-debugCount)
	}
	metrics.SetActiveWorkspaces(0)
	utils.LogInfo("collaboration engine stopped", "instance_id", e.instanceID)
}

// Join inserts the user into the workspace's session, creating the session
// if this is the first join. Re-joining with the same user id updates the
// existing entry in place.
func (e *Engine) Join(ctx context.Context, workspaceID string, user User) (WorkspaceSnapshot, error) {
	if workspaceID == "" || user.ID == "" {
		return WorkspaceSnapshot{}, errors.New("collab: workspace and user id required")
	}
	s := e.getOrCreateSession(workspaceID)

	var snap WorkspaceSnapshot
	ok := s.do(func() {
		existing, present := s.users[user.ID]
		if present {
			existing.Name = user.Name
			existing.Role = user.Role
			existing.Status = StatusOnline
			existing.LastSeen = time.Now().UTC()
		} else {
			u := user
			u.Status = StatusOnline
			u.LastSeen = time.Now().UTC()
			s.users[user.ID] = &u
		}
		s.touch()
		snap = s.snapshot()
	})
	if !ok {
		// The session was torn down between lookup and dispatch; retry on
		// a fresh one.
		return e.Join(ctx, workspaceID, user)
	}

	var joined User
	for _, u := range snap.Users {
		if u.ID == user.ID {
			joined = u
		}
	}
	e.emit(newEvent(EventUserJoined, workspaceID, user.ID, e.instanceID, PresencePayload{User: joined}))
	e.record(workspaceID, user.ID, "join", "")
	return snap, nil
}

// Leave removes the user from the workspace: every lock they hold is
// released and they are detached from every shared resource first, so a
// disconnect never leaves orphans. Leaving a user that is not present is a
// no-op. When the roster empties the session's processes are stopped and
// the session is discarded.
func (e *Engine) Leave(ctx context.Context, workspaceID, userID string) {
	e.mu.RLock()
	s := e.sessions[workspaceID]
	e.mu.RUnlock()
	if s == nil {
		return
	}

	var (
		present    bool
		empty      bool
		processIDs []string
		termCount  int
		debugCount int
	)
	s.do(func() {
		if _, present = s.users[userID]; !present {
			return
		}
		for _, fs := range s.files {
			fs.releaseUserLocks(userID)
		}
		for _, term := range s.terminals {
			term.Attached = detachUser(term.Attached, userID)
		}
		for _, dbg := range s.debugs {
			dbg.Attached = detachUser(dbg.Attached, userID)
		}
		delete(s.users, userID)
		s.touch()
		if len(s.users) == 0 {
			empty = true
			processIDs = s.ownedProcessIDs()
			termCount = len(s.terminals)
			debugCount = len(s.debugs)
		}
	})
	if !present {
		return
	}

	if empty {
		e.mu.Lock()
		if e.sessions[workspaceID] == s {
			delete(e.sessions, workspaceID)
		}
		active := len(e.sessions)
		e.mu.Unlock()
		s.stop()
		for _, pid := range processIDs {
			if err := e.host.Stop(pid); err != nil {
				utils.LogError("process stop failed", err, "process_id", pid)
			}
		}
		metrics.SetActiveWorkspaces(active)
		metrics.AddTerminalsActive(-termCount)
		metrics.AddDebugSessionsActive(-debugCount)
	}

	e.emit(newEvent(EventUserLeft, workspaceID, userID, e.instanceID, PresencePayload{User: User{ID: userID, Status: StatusOffline}}))
	e.record(workspaceID, userID, "leave", "")
}

// Workspaces lists snapshots of every active workspace on this instance.
func (e *Engine) Workspaces() []WorkspaceSnapshot {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	snaps := make([]WorkspaceSnapshot, 0, len(sessions))
	for _, s := range sessions {
		var snap WorkspaceSnapshot
		if s.do(func() { snap = s.snapshot() }) {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// Workspace returns a snapshot of one workspace, if active.
func (e *Engine) Workspace(workspaceID string) (WorkspaceSnapshot, bool) {
	e.mu.RLock()
	s := e.sessions[workspaceID]
	e.mu.RUnlock()
	if s == nil {
		return WorkspaceSnapshot{}, false
	}
	var snap WorkspaceSnapshot
	if !s.do(func() { snap = s.snapshot() }) {
		return WorkspaceSnapshot{}, false
	}
	return snap, true
}

func (e *Engine) getOrCreateSession(workspaceID string) *session {
	e.mu.RLock()
	s := e.sessions[workspaceID]
	e.mu.RUnlock()
	if s != nil {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.sessions[workspaceID]; s != nil {
		return s
	}
	s = newSession(workspaceID)
	e.sessions[workspaceID] = s
	go s.run()
	metrics.SetActiveWorkspaces(len(e.sessions))
	return s
}

// lookupSession returns the live session or nil without creating one.
func (e *Engine) lookupSession(workspaceID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[workspaceID]
}

// loadFile returns the live state for path, loading the baseline from the
// external store on first reference. A store failure degrades to an empty
// baseline so the editing session stays alive.
func (e *Engine) loadFile(ctx context.Context, s *session, path string) *FileState {
	if fs, ok := s.files[path]; ok {
		return fs
	}
	fs := &FileState{Path: path, Locks: make(map[string]*FileLock)}
	f, err := e.store.Read(ctx, path)
	switch {
	case err == nil:
		fs.Content = f.Content
		fs.Version = f.Version
	case !errors.Is(err, filestore.ErrNotFound):
		utils.LogError("file load failed, starting from empty baseline", err, "path", path)
	}
	s.files[path] = fs
	return fs
}

// emit delivers the event to local sinks and publishes it to the bus. The
// publish is bounded and asynchronous; a transport failure is logged and
// never blocks or fails the local mutation.
func (e *Engine) emit(evt Event) {
	e.deliverLocal(evt)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
		defer cancel()
		data, err := json.Marshal(evt)
		if err != nil {
			utils.LogError("event marshal failed", err, "type", evt.Type)
			return
		}
		if err := e.bus.Publish(ctx, evt.WorkspaceID, data); err != nil {
			utils.LogError("event publish failed", err, "workspace_id", evt.WorkspaceID, "type", evt.Type)
			metrics.IncrementEventPublish("failure")
			return
		}
		metrics.IncrementEventPublish("success")
	}()
}

func (e *Engine) deliverLocal(evt Event) {
	e.mu.RLock()
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.RUnlock()
	for _, sink := range sinks {
		sink.Deliver(evt)
	}
}

// handleRemote applies an event published by another instance to local
// state, then fans it out to local sinks. Application is idempotent: the
// bus is at-least-once and may reorder.
func (e *Engine) handleRemote(workspaceID string, payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		utils.LogError("malformed remote event dropped", err, "workspace_id", workspaceID)
		metrics.IncrementError("decode", "eventbus")
		return
	}
	if evt.Origin == e.instanceID {
		return // our own echo
	}

	s := e.lookupSession(evt.WorkspaceID)
	if s == nil {
		// Nobody here cares about this workspace; state will be rebuilt
		// lazily from the store if someone joins later.
		return
	}

	applied := true
	switch evt.Type {
	case EventFileChanged:
		var p FileChangedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			utils.LogError("malformed file_changed payload dropped", err)
			return
		}
		s.do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			fs := e.loadFile(ctx, s, p.Op.File)
			applied = fs.applyRemote(p, e.historyLimit)
			s.touch()
		})
	case EventUserJoined, EventUserUpdated:
		var p PresencePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		s.do(func() {
			u := p.User
			s.users[u.ID] = &u
			s.touch()
		})
	case EventUserLeft:
		s.do(func() {
			delete(s.users, evt.UserID)
			s.touch()
		})
	case EventCursorMoved:
		var p CursorPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		s.do(func() {
			if u, ok := s.users[p.UserID]; ok {
				if p.Cursor != nil {
					u.Cursor = p.Cursor
				}
				if p.Selection != nil {
					u.Selection = p.Selection
				}
				u.LastSeen = evt.Timestamp
			}
		})
	case EventTerminalOutput:
		// Resource output fans out to attachees only. Terminals live on
		// the instance that started them, so a remote event usually finds
		// no local attachees and goes nowhere.
		var p TerminalOutputPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		evt.Targets = []string{}
		s.do(func() {
			if term, ok := s.terminals[p.TerminalID]; ok {
				evt.Targets = append(evt.Targets, term.Attached...)
			}
		})
	case EventDebugEvent:
		var p DebugEventPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		evt.Targets = []string{}
		s.do(func() {
			if dbg, ok := s.debugs[p.DebugID]; ok {
				evt.Targets = append(evt.Targets, dbg.Attached...)
			}
		})
	}
	// Lock state is deliberately not propagated: locks are
	// instance-local and authoritative only for users connected here.

	if applied {
		e.deliverLocal(evt)
	}
}

// record appends to the workspace activity trail, if a recorder is wired.
func (e *Engine) record(workspaceID, userID, action, detail string) {
	if e.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.recorder.Record(ctx, workspaceID, userID, action, detail); err != nil {
			utils.LogError("activity record failed", err, "workspace_id", workspaceID, "action", action)
		}
	}()
}

// ownedProcessIDs collects the host process ids behind this session's
// terminals and debug sessions. Must run inside the mailbox.
func (s *session) ownedProcessIDs() []string {
	ids := make([]string, 0, len(s.terminals)+len(s.debugs))
	for _, t := range s.terminals {
		if t.ProcessID != "" {
			ids = append(ids, t.ProcessID)
		}
	}
	for _, d := range s.debugs {
		if d.ProcessID != "" {
			ids = append(ids, d.ProcessID)
		}
	}
	return ids
}
