package client

import (
	"sort"
	"sync"

	"collabhub/pkg/types"
)

const defaultMaxMessages = 500

// Mirror is the client's local copy of collaboration state, rebuilt from the
// snapshot on every connect and kept current by applying server frames.
type Mirror struct {
	mu       sync.RWMutex
	selfID   string
	users    map[string]types.ConnectedUser
	locks    map[types.DocumentKey]*types.DocumentLock
	viewers  map[types.DocumentKey][]types.Viewer
	typing   map[string]types.TypingPayload
	messages []types.ChatMessage
	seen     map[string]struct{}
	maxChat  int

	// request ids of unconfirmed activity changes, oldest first
	optimistic []string
	// last activity the server confirmed for selfID
	confirmed types.Activity
}

func NewMirror(selfID string) *Mirror {
	m := &Mirror{
		selfID:  selfID,
		seen:    make(map[string]struct{}),
		maxChat: defaultMaxMessages,
	}
	m.reset()
	return m
}

// reset drops server-owned state ahead of a fresh snapshot. Chat history survives.
func (m *Mirror) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]types.ConnectedUser)
	m.locks = make(map[types.DocumentKey]*types.DocumentLock)
	m.viewers = make(map[types.DocumentKey][]types.Viewer)
	m.typing = make(map[string]types.TypingPayload)
	m.optimistic = nil
}

// Apply folds one server frame into the mirror. Frames it does not model are ignored.
func (m *Mirror) Apply(env *types.Envelope) {
	switch env.Type {
	case types.MessageTypePresenceUpdate:
		var p types.PresencePayload
		if env.Decode(&p) == nil {
			m.applyPresence(p)
		}
	case types.MessageTypeLockRequest:
		var p types.LockResponse
		if env.Decode(&p) == nil && p.Lock != nil {
			m.mu.Lock()
			m.locks[p.DocumentKey] = p.Lock
			m.mu.Unlock()
		}
	case types.MessageTypeUnlock:
		var p types.UnlockPayload
		if env.Decode(&p) == nil {
			m.mu.Lock()
			// a later grant to someone else may already have replaced it
			if lock, ok := m.locks[p.DocumentKey]; ok && lock.HolderUserID == p.UserID {
				delete(m.locks, p.DocumentKey)
			}
			m.mu.Unlock()
		}
	case types.MessageTypeViewersUpdated:
		var p types.ViewersPayload
		if env.Decode(&p) == nil {
			m.mu.Lock()
			if len(p.Viewers) == 0 {
				delete(m.viewers, p.DocumentKey)
			} else {
				m.viewers[p.DocumentKey] = p.Viewers
			}
			m.mu.Unlock()
		}
	case types.MessageTypeTypingStart, types.MessageTypeTypingStop:
		var p types.TypingPayload
		if env.Decode(&p) == nil {
			m.mu.Lock()
			if env.Type == types.MessageTypeTypingStart {
				m.typing[p.UserID] = p
			} else {
				delete(m.typing, p.UserID)
			}
			m.mu.Unlock()
		}
	case types.MessageTypeChat:
		var msg types.ChatMessage
		if env.Decode(&msg) == nil {
			m.addMessage(msg)
		}
	case types.MessageTypeError:
		m.mu.Lock()
		m.rejectOptimistic(env.RequestID)
		m.mu.Unlock()
	}
}

func (m *Mirror) applyPresence(p types.PresencePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p.Event {
	case types.PresenceSnapshot:
		m.users = make(map[string]types.ConnectedUser, len(p.Users))
		for _, u := range p.Users {
			m.users[u.UserID] = u
		}
		m.optimistic = nil
		if self, ok := m.users[m.selfID]; ok {
			m.confirmed = self.CurrentActivity
		}
	case types.PresenceUserJoined:
		if p.User != nil {
			m.users[p.User.UserID] = *p.User
		}
	case types.PresenceUserLeft:
		delete(m.users, p.UserID)
		delete(m.typing, p.UserID)
	case types.PresenceActivityChanged:
		if p.UserID == m.selfID {
			m.confirmed = p.Activity
			if len(m.optimistic) > 0 {
				m.optimistic = m.optimistic[1:]
			}
			if len(m.optimistic) > 0 {
				// a newer local change is still in flight and stays displayed
				return
			}
		}
		if u, ok := m.users[p.UserID]; ok {
			u.CurrentActivity = p.Activity
			m.users[p.UserID] = u
		}
	}
}

// setOptimistic applies activity to the local user before the server confirms it.
func (m *Mirror) setOptimistic(requestID string, activity types.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[m.selfID]
	if !ok {
		return
	}
	m.optimistic = append(m.optimistic, requestID)
	u.CurrentActivity = activity
	m.users[m.selfID] = u
}

// rejectOptimistic drops a refused change; with nothing left in flight the
// local user falls back to the confirmed activity. Caller holds mu.
func (m *Mirror) rejectOptimistic(requestID string) {
	idx := -1
	for i, id := range m.optimistic {
		if id == requestID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	m.optimistic = append(m.optimistic[:idx], m.optimistic[idx+1:]...)
	if len(m.optimistic) > 0 {
		return
	}
	if u, ok := m.users[m.selfID]; ok {
		u.CurrentActivity = m.confirmed
		m.users[m.selfID] = u
	}
}

func (m *Mirror) addMessage(msg types.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[msg.ID]; dup {
		return
	}
	m.seen[msg.ID] = struct{}{}

	i := sort.Search(len(m.messages), func(i int) bool {
		return m.messages[i].Timestamp.After(msg.Timestamp)
	})
	m.messages = append(m.messages, types.ChatMessage{})
	copy(m.messages[i+1:], m.messages[i:])
	m.messages[i] = msg

	if over := len(m.messages) - m.maxChat; over > 0 {
		for _, old := range m.messages[:over] {
			delete(m.seen, old.ID)
		}
		m.messages = append([]types.ChatMessage(nil), m.messages[over:]...)
	}
}

// Users returns online users ordered by connect time.
func (m *Mirror) Users() []types.ConnectedUser {
	m.mu.RLock()
	users := make([]types.ConnectedUser, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	return users
}

func (m *Mirror) User(userID string) (types.ConnectedUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return u, ok
}

func (m *Mirror) Lock(key types.DocumentKey) (*types.DocumentLock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[key]
	return lock, ok
}

// HeldBy returns the keys of locks the mirror shows userID holding.
func (m *Mirror) HeldBy(userID string) []types.DocumentKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []types.DocumentKey
	for key, lock := range m.locks {
		if lock.HolderUserID == userID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (m *Mirror) Viewers(key types.DocumentKey) []types.Viewer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Viewer(nil), m.viewers[key]...)
}

func (m *Mirror) TypingUsers() []types.TypingPayload {
	m.mu.RLock()
	list := make([]types.TypingPayload, 0, len(m.typing))
	for _, t := range m.typing {
		list = append(list, t)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// Messages returns the chat log ordered by timestamp.
func (m *Mirror) Messages() []types.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ChatMessage(nil), m.messages...)
}
