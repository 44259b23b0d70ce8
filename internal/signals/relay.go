// Package signals relays ephemeral chat messages and typing notices. Nothing here
// is persisted; a chat message to an offline user is simply not delivered.
package signals

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabhub/pkg/types"
)

type typingEntry struct {
	identity  types.Identity
	updatedAt time.Time
}

// Relay builds chat messages and owns the typing set.
type Relay struct {
	mu            sync.Mutex
	typing        map[string]typingEntry
	typingTimeout time.Duration
	maxChatLength int
	now           func() time.Time
}

// NewRelay creates a relay. A typing entry not refreshed within typingTimeout is
// dropped by SweepTyping; maxChatLength <= 0 disables the length check.
func NewRelay(typingTimeout time.Duration, maxChatLength int) *Relay {
	return &Relay{
		typing:        make(map[string]typingEntry),
		typingTimeout: typingTimeout,
		maxChatLength: maxChatLength,
		now:           time.Now,
	}
}

// SetClock replaces the wall clock, used by tests.
func (r *Relay) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// NewChat validates req and stamps it with a server-side ID and timestamp.
func (r *Relay) NewChat(from types.Identity, req types.ChatRequest) (*types.ChatMessage, error) {
	if err := types.ValidateChatText(req.Text, r.maxChatLength); err != nil {
		return nil, err
	}
	toUserID := strings.TrimSpace(req.ToUserID)
	if toUserID != "" && !types.IsValidUserID(toUserID) {
		return nil, types.ErrInvalidUserID
	}

	r.mu.Lock()
	now := r.now().UTC()
	r.mu.Unlock()

	return &types.ChatMessage{
		ID:              uuid.New().String(),
		FromUserID:      from.UserID,
		FromDisplayName: from.DisplayName,
		Text:            req.Text,
		Timestamp:       now,
		ToUserID:        toUserID,
	}, nil
}

// StartTyping adds or refreshes identity in the typing set. It returns true only when
// the user was not already typing, which is when a delta needs broadcasting.
func (r *Relay) StartTyping(identity types.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.typing[identity.UserID]
	r.typing[identity.UserID] = typingEntry{identity: identity, updatedAt: r.now()}
	return !exists
}

// StopTyping removes userID and reports whether it was typing.
func (r *Relay) StopTyping(userID string) (types.TypingPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.typing[userID]
	if !exists {
		return types.TypingPayload{}, false
	}
	delete(r.typing, userID)
	return payloadOf(entry.identity), true
}

// SweepTyping drops entries older than the typing timeout.
func (r *Relay) SweepTyping() []types.TypingPayload {
	if r.typingTimeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var stale []types.TypingPayload
	for userID, entry := range r.typing {
		if now.Sub(entry.updatedAt) > r.typingTimeout {
			delete(r.typing, userID)
			stale = append(stale, payloadOf(entry.identity))
		}
	}
	sortTyping(stale)
	return stale
}

// Typing returns who is currently typing, ordered by user ID.
func (r *Relay) Typing() []types.TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]types.TypingPayload, 0, len(r.typing))
	for _, entry := range r.typing {
		list = append(list, payloadOf(entry.identity))
	}
	sortTyping(list)
	return list
}

func payloadOf(identity types.Identity) types.TypingPayload {
	return types.TypingPayload{UserID: identity.UserID, DisplayName: identity.DisplayName}
}

func sortTyping(list []types.TypingPayload) {
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
}
