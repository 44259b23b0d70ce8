package types

import "time"

// Audit event types written to the collaboration_events table
const (
	AuditUserJoined        = "user_joined"
	AuditUserLeft          = "user_left"
	AuditLockGranted       = "lock_granted"
	AuditLockReleased      = "lock_released"
	AuditLockIdleReleased  = "lock_idle_released"
	AuditLockExpired       = "lock_expired"
	AuditLockDisconnected  = "lock_disconnect_released"
	AuditLockForceReleased = "lock_force_released"
)

// AuditEvent is one append-only row of collaboration history.
type AuditEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	DocumentType string    `json:"document_type,omitempty"`
	DocumentID   string    `json:"document_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAuditEvent stamps an event with the current UTC time. key may be nil.
func NewAuditEvent(eventType, userID string, key *DocumentKey, detail string) *AuditEvent {
	event := &AuditEvent{
		Type:      eventType,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if key != nil {
		event.DocumentType = key.Type
		event.DocumentID = key.ID
	}
	return event
}
