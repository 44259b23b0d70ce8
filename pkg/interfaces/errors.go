package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUnauthorized    = errors.New("unauthorized access")
	ErrMissingIdentity = errors.New("missing user identity")
)
