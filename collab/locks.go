package collab

import "time"

// LockTable tracks advisory per-field edit locks for one room. Locks gate
// UI affordances and destructive operations; they never block
// non-conflicting updates. A lock whose expiry has passed is logically
// absent.
//
// Not safe for concurrent use; the owning room worker serializes access.
type LockTable struct {
	ttl   time.Duration
	locks map[string]*LockInfo
	now   func() time.Time
}

// NewLockTable creates a lock table with the given TTL.
func NewLockTable(ttl time.Duration) *LockTable {
	return &LockTable{
		ttl:   ttl,
		locks: make(map[string]*LockInfo),
		now:   time.Now,
	}
}

// Holder returns the current non-expired holder of fieldID, if any.
func (t *LockTable) Holder(fieldID string) (string, bool) {
	lock, ok := t.locks[fieldID]
	if !ok {
		return "", false
	}
	if !lock.ExpiresAt.After(t.now()) {
		delete(t.locks, fieldID)
		return "", false
	}
	return lock.HolderSessionID, true
}

// Request grants the lock if it is free or already held by the requester
// (which renews it). On denial the current holder's session is returned.
func (t *LockTable) Request(sessionID, fieldID string) (*LockInfo, string) {
	if holder, held := t.Holder(fieldID); held && holder != sessionID {
		return nil, holder
	}
	now := t.now()
	lock := &LockInfo{
		FieldID:         fieldID,
		HolderSessionID: sessionID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(t.ttl),
	}
	if prev, ok := t.locks[fieldID]; ok && prev.HolderSessionID == sessionID {
		lock.AcquiredAt = prev.AcquiredAt
	}
	t.locks[fieldID] = lock
	return lock, ""
}

// Renew extends the TTL of a lock held by sessionID.
func (t *LockTable) Renew(sessionID, fieldID string) bool {
	holder, held := t.Holder(fieldID)
	if !held || holder != sessionID {
		return false
	}
	t.locks[fieldID].ExpiresAt = t.now().Add(t.ttl)
	return true
}

// Release removes a lock held by sessionID.
func (t *LockTable) Release(sessionID, fieldID string) bool {
	holder, held := t.Holder(fieldID)
	if !held || holder != sessionID {
		return false
	}
	delete(t.locks, fieldID)
	return true
}

// ReleaseAll removes every lock held by sessionID and returns the
// affected field ids. Called when a session dies or its grace expires.
func (t *LockTable) ReleaseAll(sessionID string) []string {
	var released []string
	for fieldID, lock := range t.locks {
		if lock.HolderSessionID == sessionID {
			delete(t.locks, fieldID)
			released = append(released, fieldID)
		}
	}
	return released
}

// SweepExpired removes locks past their expiry and returns them.
// Expiry is enforced by this sweep, not by requesters.
func (t *LockTable) SweepExpired() []LockInfo {
	now := t.now()
	var expired []LockInfo
	for fieldID, lock := range t.locks {
		if !lock.ExpiresAt.After(now) {
			expired = append(expired, *lock)
			delete(t.locks, fieldID)
		}
	}
	return expired
}

// CanMutate reports whether sessionID may perform a destructive operation
// on fieldID: the lock must be free or held by the session itself.
func (t *LockTable) CanMutate(sessionID, fieldID string) (bool, string) {
	holder, held := t.Holder(fieldID)
	if held && holder != sessionID {
		return false, holder
	}
	return true, ""
}

// Len returns the number of live locks.
func (t *LockTable) Len() int {
	// Count only non-expired entries
	n := 0
	now := t.now()
	for _, lock := range t.locks {
		if lock.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}
