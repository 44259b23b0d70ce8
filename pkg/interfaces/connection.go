package interfaces

import "collabhub/pkg/types"

// Connection represents a WebSocket client connection interface
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and collaboration logic
type Connection interface {
	// WriteJSON queues a JSON message for the client without blocking
	// FUNCTIONAL DISCOVERY: Implementations must serialize writes through a
	// single writer and report a full queue instead of waiting on it
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetDisplayName returns the name shown to other collaborators
	GetDisplayName() string

	// IsAuthenticated returns true once an identity has been bound
	IsAuthenticated() bool

	// SetIdentity binds the resolved principal to the connection
	// TECHNICAL DISCOVERY: Identity is resolved before upgrade and bound
	// immediately after, so no frame is ever read from an anonymous socket
	SetIdentity(identity types.Identity) error
}
