package types

import (
	"encoding/json"
	"time"
)

// Message types carried in the envelope "type" field. Client and server share the
// same vocabulary; direction is documented per constant.
const (
	MessageTypePresenceUpdate  = "presence_update"       // both: activity change in, presence deltas out
	MessageTypeLockRequest     = "document_lock_request" // both: request in, reply/broadcast out
	MessageTypeUnlock          = "document_unlock"       // both
	MessageTypeChat            = "chat_message"          // both
	MessageTypeConflictWarning = "conflict_warning"      // server -> holder
	MessageTypeTypingStart     = "typing_start"          // both
	MessageTypeTypingStop      = "typing_stop"           // both
	MessageTypePing            = "ping"                  // client -> server
	MessageTypePong            = "pong"                  // server -> client
	MessageTypeIdleUnlock      = "idle_unlock"           // client -> server
	MessageTypeStartViewing    = "start_viewing"         // client -> server
	MessageTypeStopViewing     = "stop_viewing"          // client -> server
	MessageTypeViewersUpdated  = "viewers_updated"       // server -> client
	MessageTypeError           = "error"                 // server -> client
)

// Presence events carried in PresencePayload.Event
const (
	PresenceSnapshot        = "snapshot"
	PresenceUserJoined      = "user_joined"
	PresenceUserLeft        = "user_left"
	PresenceActivityChanged = "activity_changed"
)

// Unlock reasons carried in UnlockPayload.Reason
const (
	UnlockReleased   = "released"
	UnlockIdle       = "idle"
	UnlockDisconnect = "disconnect"
	UnlockExpired    = "expired"
	UnlockForced     = "forced"
)

// Activity is what an online administrator is currently doing.
type Activity string

const (
	ActivityIdle              Activity = "idle"
	ActivityViewingDashboard  Activity = "viewing-dashboard"
	ActivityReviewingEvidence Activity = "reviewing-evidence"
	ActivityEditingCaseStudy  Activity = "editing-case-study"
	ActivityEditingEvent      Activity = "editing-event"
	ActivityManagingSchools   Activity = "managing-schools"
	ActivityManagingUsers     Activity = "managing-users"
	ActivityManagingResources Activity = "managing-resources"
)

// Envelope is one self-describing frame on the socket.
// ARCHITECTURAL DISCOVERY: Payload stays raw until the router knows the type,
// so a malformed payload is rejected per message without dropping the frame loop.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a timestamped envelope.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

// Identity is the already-authenticated principal handed over by the host application.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// DocumentKey identifies a lockable back-office document, e.g. ("case_study", "42").
type DocumentKey struct {
	Type string `json:"document_type"`
	ID   string `json:"document_id"`
}

func (k DocumentKey) String() string {
	return k.Type + ":" + k.ID
}

// ConnectedUser is the broadcast view of one live session.
type ConnectedUser struct {
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	CurrentActivity Activity  `json:"current_activity"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// DocumentLock is an exclusive lease on a document. Locks are replaced or deleted,
// never edited in place.
type DocumentLock struct {
	DocumentKey
	HolderUserID string    `json:"holder_user_id"`
	HolderName   string    `json:"holder_name"`
	LockedAt     time.Time `json:"locked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease has run out at now.
func (l *DocumentLock) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Viewer is a non-exclusive watcher of a document.
type Viewer struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ChatMessage is immutable once created by the relay.
type ChatMessage struct {
	ID              string    `json:"id"`
	FromUserID      string    `json:"from_user_id"`
	FromDisplayName string    `json:"from_display_name"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	ToUserID        string    `json:"to_user_id,omitempty"`
}

// PresencePayload carries either a full snapshot or a single delta.
type PresencePayload struct {
	Event    string          `json:"event"`
	Users    []ConnectedUser `json:"users,omitempty"`
	User     *ConnectedUser  `json:"user,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Activity Activity        `json:"activity,omitempty"`
}

// ActivityRequest is sent by a client to change its own activity.
type ActivityRequest struct {
	Activity Activity `json:"activity"`
}

// DocumentRequest is the payload of lock, unlock and viewing requests.
type DocumentRequest struct {
	DocumentKey
}

// LockResponse answers a lock request and is also the grant broadcast.
type LockResponse struct {
	DocumentKey
	Granted      bool          `json:"granted"`
	Lock         *DocumentLock `json:"lock,omitempty"`
	HolderUserID string        `json:"holder_user_id,omitempty"`
	HolderName   string        `json:"holder_name,omitempty"`
}

// UnlockPayload announces that a document became unlocked.
type UnlockPayload struct {
	DocumentKey
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// ConflictWarning tells a lock holder someone else tried to take the document.
type ConflictWarning struct {
	DocumentKey
	RequestedByUserID string `json:"requested_by_user_id"`
	RequestedByName   string `json:"requested_by_name"`
}

// ViewersPayload is the full viewer list of one document after a change.
type ViewersPayload struct {
	DocumentKey
	Viewers []Viewer `json:"viewers"`
}

// ChatRequest is a chat message as sent by a client.
type ChatRequest struct {
	Text     string `json:"text"`
	ToUserID string `json:"to_user_id,omitempty"`
}

// TypingPayload names who started or stopped typing.
type TypingPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ErrorPayload is the explicit rejection reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
