// Package presence keeps the online-user list and each user's current activity.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"collabhub/pkg/types"
)

var ErrUnknownUser = errors.New("user is not online")

// Tracker maps userID to exactly one ConnectedUser.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*types.ConnectedUser
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		users: make(map[string]*types.ConnectedUser),
		now:   time.Now,
	}
}

// Join records identity as online, replacing any previous entry for the same user.
// It returns the new entry and whether an old one was replaced.
func (t *Tracker) Join(identity types.Identity) (types.ConnectedUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, replaced := t.users[identity.UserID]
	user := &types.ConnectedUser{
		UserID:          identity.UserID,
		DisplayName:     identity.DisplayName,
		CurrentActivity: types.ActivityIdle,
		ConnectedAt:     t.now().UTC(),
	}
	t.users[identity.UserID] = user
	return *user, replaced
}

// Leave removes userID and reports whether it was present.
func (t *Tracker) Leave(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.users[userID]; !exists {
		return false
	}
	delete(t.users, userID)
	return true
}

// SetActivity updates the activity of an online user. Tags outside the fixed
// enumeration are rejected with types.ErrInvalidActivity.
func (t *Tracker) SetActivity(userID string, activity types.Activity) (types.ConnectedUser, error) {
	if !types.IsValidActivity(activity) {
		return types.ConnectedUser{}, types.ErrInvalidActivity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	user, exists := t.users[userID]
	if !exists {
		return types.ConnectedUser{}, ErrUnknownUser
	}
	user.CurrentActivity = activity
	return *user, nil
}

// Get returns the entry for userID.
func (t *Tracker) Get(userID string) (types.ConnectedUser, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	user, exists := t.users[userID]
	if !exists {
		return types.ConnectedUser{}, false
	}
	return *user, true
}

// Snapshot returns every online user ordered by connection time, then user ID.
func (t *Tracker) Snapshot() []types.ConnectedUser {
	t.mu.RLock()
	users := make([]types.ConnectedUser, 0, len(t.users))
	for _, user := range t.users {
		users = append(users, *user)
	}
	t.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	return users
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}
