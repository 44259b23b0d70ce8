package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var (
	userIDRegex       = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	documentPartRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

var activities = map[Activity]bool{
	ActivityIdle:              true,
	ActivityViewingDashboard:  true,
	ActivityReviewingEvidence: true,
	ActivityEditingCaseStudy:  true,
	ActivityEditingEvent:      true,
	ActivityManagingSchools:   true,
	ActivityManagingUsers:     true,
	ActivityManagingResources: true,
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidDisplayName accepts any non-blank name of at most 100 characters.
func IsValidDisplayName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	return utf8.RuneCountInString(name) <= 100
}

// Validate checks the identity handed over by the host application.
func (i Identity) Validate() error {
	if !IsValidUserID(i.UserID) {
		return ErrInvalidUserID
	}
	if !IsValidDisplayName(i.DisplayName) {
		return ErrInvalidDisplayName
	}
	return nil
}

// Validate checks both parts of the key.
func (k DocumentKey) Validate() error {
	if !isValidDocumentPart(k.Type) || !isValidDocumentPart(k.ID) {
		return ErrInvalidDocumentKey
	}
	return nil
}

func isValidDocumentPart(s string) bool {
	if len(s) < 1 || len(s) > 64 {
		return false
	}
	return documentPartRegex.MatchString(s)
}

// IsValidActivity reports enum membership. There is no fallback value.
func IsValidActivity(a Activity) bool {
	return activities[a]
}

// Activities lists every accepted activity tag.
func Activities() []Activity {
	return []Activity{
		ActivityIdle,
		ActivityViewingDashboard,
		ActivityReviewingEvidence,
		ActivityEditingCaseStudy,
		ActivityEditingEvent,
		ActivityManagingSchools,
		ActivityManagingUsers,
		ActivityManagingResources,
	}
}

// IsClientMessageType reports whether a client may send msgType.
func IsClientMessageType(msgType string) bool {
	switch msgType {
	case MessageTypePresenceUpdate,
		MessageTypeLockRequest,
		MessageTypeUnlock,
		MessageTypeChat,
		MessageTypeTypingStart,
		MessageTypeTypingStop,
		MessageTypePing,
		MessageTypeIdleUnlock,
		MessageTypeStartViewing,
		MessageTypeStopViewing:
		return true
	default:
		return false
	}
}

// ValidateChatText trims nothing; it only rejects blank or oversized text.
func ValidateChatText(text string, maxLen int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyChat
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return ErrChatTooLong
	}
	return nil
}
