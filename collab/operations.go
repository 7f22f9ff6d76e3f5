package collab

import (
	"context"
	"time"

	"github.com/google/uuid"

	"collabspace/metrics"
	"collabspace/utils"
)

// ApplyOperation runs one edit through the transform engine. The user must
// be a session member with an editing role; otherwise the operation is
// rejected with no event and no version change. Returns true only when the
// operation was applied (possibly after transformation).
func (e *Engine) ApplyOperation(ctx context.Context, workspaceID, userID string, op Operation) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	op.UserID = userID

	var (
		applied     bool
		transformed Operation
		content     string
		version     int64
	)
	s.do(func() {
		u, ok := s.users[userID]
		if !ok || !u.Role.CanEdit() {
			metrics.IncrementOperation(string(op.Type), "rejected_permission")
			return
		}
		fs := e.loadFile(ctx, s, op.File)
		transformed, applied = fs.apply(op, e.historyLimit)
		if !applied {
			metrics.IncrementOperation(string(op.Type), "noop_out_of_bounds")
			return
		}
		content = fs.Content
		version = fs.Version
		s.touch()
		metrics.IncrementOperation(string(op.Type), "applied")
	})
	if !applied {
		return false
	}

	e.emit(newEvent(EventFileChanged, workspaceID, userID, e.instanceID, FileChangedPayload{
		Op:      transformed,
		Content: content,
		Version: version,
	}))
	e.persistAsync(op.File, content)
	e.record(workspaceID, userID, "file_operation", op.File)
	return true
}

// persistAsync flushes content to the external store without blocking the
// caller. In-memory state is authoritative for live collaboration, so a
// store failure is logged and nothing else.
func (e *Engine) persistAsync(path, content string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Write(ctx, path, content); err != nil {
			utils.LogError("file persist failed", err, "path", path)
			metrics.IncrementError("persist", "filestore")
		}
	}()
}

// AcquireLock requests a line-range lock on a file. A refusal is a normal
// negative result (contention), not an error; the client is expected to
// retry or prompt. Locks are visible only to users on this instance.
func (e *Engine) AcquireLock(ctx context.Context, workspaceID, userID, file string, rng LineRange, kind LockKind) (FileLock, bool) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return FileLock{}, false
	}
	var (
		granted bool
		lock    FileLock
	)
	s.do(func() {
		if _, ok := s.users[userID]; !ok {
			return
		}
		fs := e.loadFile(ctx, s, file)
		l, ok := fs.acquireLock(userID, rng, kind)
		if !ok {
			return
		}
		granted = true
		lock = *l
		s.touch()
	})
	if granted {
		metrics.IncrementLockRequest("granted")
	} else {
		metrics.IncrementLockRequest("rejected")
	}
	return lock, granted
}

// ReleaseLock releases one lock by id. Only the owner may release it.
func (e *Engine) ReleaseLock(workspaceID, userID, lockID string) bool {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return false
	}
	var released bool
	s.do(func() {
		for _, fs := range s.files {
			if fs.releaseLock(lockID, userID) {
				released = true
				s.touch()
				return
			}
		}
	})
	return released
}

// FileLocks returns a snapshot of the active locks on one file.
func (e *Engine) FileLocks(workspaceID, file string) []FileLock {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return nil
	}
	var locks []FileLock
	s.do(func() {
		fs, ok := s.files[file]
		if !ok {
			return
		}
		for _, l := range fs.Locks {
			locks = append(locks, *l)
		}
	})
	return locks
}

// FileSnapshot returns the live content and version of one file, loading
// it from the store if this is the first reference.
func (e *Engine) FileSnapshot(ctx context.Context, workspaceID, path string) (content string, version int64, ok bool) {
	s := e.lookupSession(workspaceID)
	if s == nil {
		return "", 0, false
	}
	ok = s.do(func() {
		fs := e.loadFile(ctx, s, path)
		content = fs.Content
		version = fs.Version
	})
	return content, version, ok
}
