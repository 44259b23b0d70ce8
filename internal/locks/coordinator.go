// Package locks arbitrates exclusive, expiring editing leases on back-office documents.
//
// Every state transition for every key happens under a single mutex over the lock
// table, so two concurrent RequestLock calls for the same key can never both observe
// Unlocked. Expiry is lazy: a lease past its ExpiresAt is treated as absent by the next
// access, and SweepExpired removes leftovers periodically so their release is announced.
package locks

import (
	"sort"
	"sync"
	"time"

	"collabhub/pkg/types"
)

// Result describes the outcome of a lock request.
type Result struct {
	// Granted is true when the requester holds the lock after the call.
	Granted bool
	// Lock is the live lock after the call: the requester's on grant, the holder's on denial.
	Lock *types.DocumentLock
	// Refreshed is true when the requester already held the lock and only the lease moved.
	Refreshed bool
	// Expired is the stale lease that was lazily discarded to make room, if any.
	Expired *types.DocumentLock
}

// Coordinator owns the lock table.
type Coordinator struct {
	mu    sync.Mutex
	locks map[types.DocumentKey]*types.DocumentLock
	lease time.Duration
	now   func() time.Time
}

// NewCoordinator creates an empty lock table granting leases of the given length.
func NewCoordinator(lease time.Duration) (*Coordinator, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	return &Coordinator{
		locks: make(map[types.DocumentKey]*types.DocumentLock),
		lease: lease,
		now:   time.Now,
	}, nil
}

// SetClock replaces the wall clock, used by tests to move time.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// LeaseDuration returns the configured lease length.
func (c *Coordinator) LeaseDuration() time.Duration {
	return c.lease
}

// RequestLock grants the key to requester if it is unlocked, expired, or already held
// by requester (which refreshes the lease). Otherwise the request is denied; it does
// not queue.
func (c *Coordinator) RequestLock(key types.DocumentKey, requester types.Identity) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired *types.DocumentLock

	if current, exists := c.locks[key]; exists {
		switch {
		case current.IsExpired(now):
			expired = current
		case current.HolderUserID == requester.UserID:
			refreshed := c.newLock(key, requester, current.LockedAt, now)
			c.locks[key] = refreshed
			return Result{Granted: true, Lock: refreshed, Refreshed: true}
		default:
			return Result{Granted: false, Lock: current}
		}
	}

	lock := c.newLock(key, requester, now, now)
	c.locks[key] = lock
	return Result{Granted: true, Lock: lock, Expired: expired}
}

// newLock builds a fresh record; locks are replaced, never edited in place.
func (c *Coordinator) newLock(key types.DocumentKey, holder types.Identity, lockedAt, now time.Time) *types.DocumentLock {
	return &types.DocumentLock{
		DocumentKey:  key,
		HolderUserID: holder.UserID,
		HolderName:   holder.DisplayName,
		LockedAt:     lockedAt,
		ExpiresAt:    now.Add(c.lease),
	}
}

// ReleaseLock releases key if requesterID holds it and returns the released lock.
// Releasing an unlocked key is a no-op returning nil. Releasing a key held by someone
// else leaves it untouched and returns ErrNotHolder, unless that lease already
// expired, in which case it is also a no-op.
func (c *Coordinator) ReleaseLock(key types.DocumentKey, requesterID string) (*types.DocumentLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.locks[key]
	if !exists {
		return nil, nil
	}
	if current.HolderUserID != requesterID {
		if current.IsExpired(c.now()) {
			return nil, nil
		}
		return nil, ErrNotHolder
	}
	delete(c.locks, key)
	return current, nil
}

// ForceRelease releases key regardless of holder. Used by the idle and disconnect paths.
// A stale lease is removed and returned too, so its release still gets announced.
func (c *Coordinator) ForceRelease(key types.DocumentKey) *types.DocumentLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.locks[key]
	if !exists {
		return nil
	}
	delete(c.locks, key)
	return current
}

// ReleaseAll force-releases every lock held by userID, expired or not.
func (c *Coordinator) ReleaseAll(userID string) []*types.DocumentLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	var released []*types.DocumentLock
	for key, lock := range c.locks {
		if lock.HolderUserID == userID {
			delete(c.locks, key)
			released = append(released, lock)
		}
	}
	sortLocks(released)
	return released
}

// Refresh extends the lease of every live lock held by userID and returns how many
// were extended. The heartbeat calls this so session-length leases do not lapse.
func (c *Coordinator) Refresh(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	count := 0
	for key, lock := range c.locks {
		if lock.HolderUserID != userID || lock.IsExpired(now) {
			continue
		}
		c.locks[key] = &types.DocumentLock{
			DocumentKey:  lock.DocumentKey,
			HolderUserID: lock.HolderUserID,
			HolderName:   lock.HolderName,
			LockedAt:     lock.LockedAt,
			ExpiresAt:    now.Add(c.lease),
		}
		count++
	}
	return count
}

// Get returns the live lock on key, if any.
func (c *Coordinator) Get(key types.DocumentKey) (*types.DocumentLock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, exists := c.locks[key]
	if !exists || lock.IsExpired(c.now()) {
		return nil, false
	}
	return lock, true
}

// HeldBy returns the live locks held by userID.
func (c *Coordinator) HeldBy(userID string) []*types.DocumentLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var held []*types.DocumentLock
	for _, lock := range c.locks {
		if lock.HolderUserID == userID && !lock.IsExpired(now) {
			held = append(held, lock)
		}
	}
	sortLocks(held)
	return held
}

// List returns every live lock ordered by document key.
func (c *Coordinator) List() []*types.DocumentLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	locks := make([]*types.DocumentLock, 0, len(c.locks))
	for _, lock := range c.locks {
		if !lock.IsExpired(now) {
			locks = append(locks, lock)
		}
	}
	sortLocks(locks)
	return locks
}

// SweepExpired deletes expired leases and returns them so their release can be announced.
func (c *Coordinator) SweepExpired() []*types.DocumentLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []*types.DocumentLock
	for key, lock := range c.locks {
		if lock.IsExpired(now) {
			delete(c.locks, key)
			expired = append(expired, lock)
		}
	}
	sortLocks(expired)
	return expired
}

// Stats returns lock table counters for the health endpoint.
func (c *Coordinator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	live := 0
	for _, lock := range c.locks {
		if !lock.IsExpired(now) {
			live++
		}
	}
	return map[string]int{
		"live_locks":    live,
		"stored_leases": len(c.locks),
	}
}

func sortLocks(locks []*types.DocumentLock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].DocumentKey.String() < locks[j].DocumentKey.String()
	})
}
