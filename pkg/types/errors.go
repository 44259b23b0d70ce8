package types

import "errors"

var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName = errors.New("display name must be 1-100 characters")
	ErrInvalidDocumentKey = errors.New("document type and id must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidActivity    = errors.New("unknown activity tag")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrEmptyChat          = errors.New("chat message text cannot be empty")
	ErrChatTooLong        = errors.New("chat message text too long")
)

// Error codes sent in ErrorPayload.Code
const (
	CodeInvalidMessage  = "invalid_message"
	CodeUnknownType     = "unknown_type"
	CodeInvalidActivity = "invalid_activity"
	CodeInvalidDocument = "invalid_document"
	CodeInvalidChat     = "invalid_chat"
	CodeNotHolder       = "not_holder"
	CodeRateLimited     = "rate_limited"
	CodeServerBusy      = "server_busy"
)

// ProtocolError pairs a wire error code with the underlying cause.
type ProtocolError struct {
	Code string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

// Unwrap enables errors.Is checks against the sentinel cause.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError wraps err with a wire code.
func NewProtocolError(code string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// CodeOf extracts the wire code from err, defaulting to CodeInvalidMessage.
func CodeOf(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInvalidMessage
}
