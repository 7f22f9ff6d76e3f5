package collab

import (
	"time"

	"github.com/google/uuid"
)

// acquireLock arbitrates a lock request against the file's existing locks.
// Rules:
//   - no line may ever be covered by more than one exclusive lock;
//   - an exclusive request fails if any other user holds a lock (of either
//     kind) overlapping the range;
//   - shared locks may overlap each other freely.
//
// Locks carry no timeout. They are released explicitly or by releaseAll
// when the owner leaves the workspace.
func (fs *FileState) acquireLock(userID string, rng LineRange, kind LockKind) (*FileLock, bool) {
	for _, l := range fs.Locks {
		if !l.Range.Overlaps(rng) {
			continue
		}
		if l.Kind == LockExclusive {
			return nil, false
		}
		if kind == LockExclusive && l.OwnerID != userID {
			return nil, false
		}
	}
	lock := &FileLock{
		ID:         uuid.New().String(),
		File:       fs.Path,
		OwnerID:    userID,
		Range:      rng,
		Kind:       kind,
		AcquiredAt: time.Now().UTC(),
	}
	fs.Locks[lock.ID] = lock
	return lock, true
}

// releaseLock removes a lock by id. Only the owner may release it.
func (fs *FileState) releaseLock(lockID, userID string) bool {
	l, ok := fs.Locks[lockID]
	if !ok || l.OwnerID != userID {
		return false
	}
	delete(fs.Locks, lockID)
	return true
}

// releaseUserLocks drops every lock the user holds on this file and
// returns how many were released.
func (fs *FileState) releaseUserLocks(userID string) int {
	released := 0
	for id, l := range fs.Locks {
		if l.OwnerID == userID {
			delete(fs.Locks, id)
			released++
		}
	}
	return released
}
